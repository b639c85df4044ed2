package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"dealescrow/internal/escrow"
	"dealescrow/internal/ledger"
	"dealescrow/internal/models"
)

var (
	// ErrActionPending — по сделке уже отправляется транзакция, заявка ещё не истекла.
	ErrActionPending        = errors.New("По сделке уже выполняется действие.")
	ErrInvalidDisputeReason = errors.New("Некорректная причина спора.")
)

type ActionRequest struct {
	DealID        string               `json:"deal_id"`
	Action        models.Action        `json:"action"`
	Actor         models.Address       `json:"actor"`
	DisputeReason ledger.DisputeReason `json:"dispute_reason,omitempty"`
}

// Execute проверяет переход локально, занимает сделку и отправляет подписанное действие в леджер.
// Статус сделки меняется только после сверки с леджером.
func (e *Engine) Execute(ctx context.Context, req ActionRequest) (*models.Deal, escrow.Result, error) {
	reason, err := disputeReasonFor(req)
	if err != nil {
		return nil, escrow.Result{}, err
	}

	d, err := e.store.Get(ctx, req.DealID)
	if err != nil {
		return nil, escrow.Result{}, err
	}

	now := e.now()
	if _, err := e.machine.Apply(d, req.Action, req.Actor, now); err != nil {
		if escrow.IsGuardViolation(err) {
			e.metrics.transition(string(req.Action), "rejected")
		}
		return d, escrow.Result{}, err
	}

	var res escrow.Result
	claimed, err := e.store.Mutate(ctx, req.DealID, func(d *models.Deal) error {
		r, err := e.machine.Apply(d, req.Action, req.Actor, now)
		if err != nil {
			return err
		}
		if e.pendingActive(d, now) {
			return ErrActionPending
		}
		res = r
		d.PendingAction = req.Action
		d.PendingSince = now
		return nil
	})
	switch {
	case errors.Is(err, ErrActionPending):
		e.metrics.transition(string(req.Action), "pending")
		return claimed, escrow.Result{}, err
	case escrow.IsGuardViolation(err):
		e.metrics.transition(string(req.Action), "rejected")
		return claimed, escrow.Result{}, err
	case err != nil:
		return claimed, escrow.Result{}, err
	}

	log := e.dealEntry(claimed).WithFields(logrus.Fields{
		"action": req.Action,
		"actor":  req.Actor,
	})

	txID, err := e.submitAction(ctx, claimed, req, reason)
	if err != nil {
		if ledger.IsRetryable(err) {
			// Транзакция могла дойти до сети: заявку не снимаем до сверки или истечения.
			e.metrics.transition(string(req.Action), "unconfirmed")
			log.WithError(err).Warn("Действие не подтверждено сетью, ждём сверки.")
			return claimed, res, err
		}
		e.metrics.transition(string(req.Action), "failed")
		log.WithError(err).Error("Не удалось выполнить действие.")
		released, relErr := e.releaseClaim(context.WithoutCancel(ctx), claimed.ID, req.Action)
		if relErr != nil {
			return claimed, res, errors.Join(err, relErr)
		}
		return released, res, err
	}

	e.metrics.transition(string(req.Action), "submitted")
	log.WithFields(logrus.Fields{
		"tx":   txID,
		"from": res.From,
		"to":   res.To,
	}).Info("Действие отправлено в леджер.")

	if !e.cfg.ConfirmActions {
		return claimed, res, nil
	}
	return e.awaitTransition(ctx, claimed, res)
}

func disputeReasonFor(req ActionRequest) (ledger.DisputeReason, error) {
	if req.Action != models.ActionOpenDispute {
		return 0, nil
	}
	if req.DisputeReason == 0 {
		return ledger.DisputeOther, nil
	}
	if !req.DisputeReason.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDisputeReason, req.DisputeReason)
	}
	return req.DisputeReason, nil
}

func (e *Engine) submitAction(ctx context.Context, d *models.Deal, req ActionRequest, reason ledger.DisputeReason) (string, error) {
	signReq := ledger.ActionRequest{
		DealID:          d.ID,
		ContractAddress: d.ContractAddress,
		Action:          req.Action,
		Actor:           req.Actor,
		DisputeReason:   reason,
	}
	signed, err := withRetry(ctx, e, func(ctx context.Context) (ledger.SignedTransaction, error) {
		return e.signer.SignAction(ctx, signReq)
	})
	if err != nil {
		return "", fmt.Errorf("Не удалось подписать действие %s: %w", req.Action, err)
	}
	txID, err := withRetry(ctx, e, func(ctx context.Context) (string, error) {
		return e.client.Submit(ctx, signed)
	})
	if err != nil {
		return "", fmt.Errorf("Не удалось отправить действие %s: %w", req.Action, err)
	}
	return txID, nil
}

func (e *Engine) releaseClaim(ctx context.Context, id string, action models.Action) (*models.Deal, error) {
	return e.store.Mutate(ctx, id, func(d *models.Deal) error {
		if d.PendingAction == action {
			clearPending(d)
		}
		return nil
	})
}

// awaitTransition опрашивает леджер, пока статус сделки не сменится.
func (e *Engine) awaitTransition(ctx context.Context, d *models.Deal, res escrow.Result) (*models.Deal, escrow.Result, error) {
	for i := 0; i < e.cfg.ConfirmPollAttempts; i++ {
		if err := sleepCtx(ctx, e.cfg.DeployPollInterval); err != nil {
			return d, res, err
		}
		synced, err := e.Sync(ctx, d.ID)
		if err != nil {
			return d, res, err
		}
		d = synced
		if d.Status != res.From {
			return d, res, nil
		}
	}
	e.dealEntry(d).WithField("action", res.Action).Warn("Переход не подтвердился в отведённое число опросов.")
	return d, res, nil
}

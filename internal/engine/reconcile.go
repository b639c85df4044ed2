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

// ErrStaleObservation — наблюдение не новее уже применённого курсора.
var ErrStaleObservation = errors.New("Устаревшее наблюдение леджера.")

// InconsistentLedgerStateError — статус в леджере недостижим из локального.
type InconsistentLedgerStateError struct {
	DealID string
	Local  models.Status
	Remote models.Status
	Cursor uint64
}

func (e *InconsistentLedgerStateError) Error() string {
	return fmt.Sprintf("Статус сделки %s в леджере (%s) недостижим из локального (%s), lt=%d",
		e.DealID, e.Remote, e.Local, e.Cursor)
}

func IsInconsistent(err error) bool {
	var target *InconsistentLedgerStateError
	return errors.As(err, &target)
}

// Reconcile применяет наблюдение к сделке. Статус и курсор двигаются только вперёд.
func Reconcile(d *models.Deal, obs models.Observation) error {
	if obs.RemoteCursor <= d.SyncCursor {
		return ErrStaleObservation
	}
	if obs.RemoteStatus != d.Status && !escrow.Reachable(d.Status, obs.RemoteStatus) {
		return &InconsistentLedgerStateError{
			DealID: d.ID,
			Local:  d.Status,
			Remote: obs.RemoteStatus,
			Cursor: obs.RemoteCursor,
		}
	}
	if obs.RemoteStatus != d.Status {
		d.Status = obs.RemoteStatus
		clearPending(d)
	}
	d.SyncCursor = obs.RemoteCursor
	return nil
}

// observe читает контракт из леджера. ok=false, если наблюдать пока нечего:
// контракт не активен или не получил полную сумму.
func (e *Engine) observe(ctx context.Context, d *models.Deal) (models.Observation, bool, error) {
	info, err := withRetry(ctx, e, func(ctx context.Context) (ledger.AddressInfo, error) {
		return e.client.QueryAddress(ctx, d.ContractAddress)
	})
	if err != nil {
		return models.Observation{}, false, fmt.Errorf("Не удалось получить состояние контракта %s: %w", d.ContractAddress, err)
	}
	if !info.Active() {
		return models.Observation{}, false, nil
	}

	stack, err := withRetry(ctx, e, func(ctx context.Context) ([]ledger.StackEntry, error) {
		return e.client.QueryMethod(ctx, d.ContractAddress, ledger.MethodStatus, nil)
	})
	if err != nil {
		return models.Observation{}, false, fmt.Errorf("Не удалось запросить статус контракта %s: %w", d.ContractAddress, err)
	}
	status, err := ledger.StatusFromStack(stack)
	if err != nil {
		return models.Observation{}, false, err
	}

	obs := models.Observation{
		RemoteStatus: status,
		RemoteCursor: info.LastTransactionCursor,
		Balance:      info.Balance,
	}
	// Контракт в NEW с полной суммой на балансе считается профинансированным.
	if status == models.StatusNew {
		if info.Balance < d.TotalEscrowed() {
			return models.Observation{}, false, nil
		}
		obs.RemoteStatus = models.StatusFunded
	}
	return obs, true, nil
}

// Sync сверяет сделку с леджером и сохраняет результат.
func (e *Engine) Sync(ctx context.Context, id string) (*models.Deal, error) {
	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() || d.ContractAddress == "" {
		return d, nil
	}

	obs, ok, err := e.observe(ctx, d)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, nil
	}
	return e.apply(ctx, d.ID, obs)
}

func (e *Engine) apply(ctx context.Context, id string, obs models.Observation) (*models.Deal, error) {
	var from models.Status
	updated, err := e.store.Mutate(ctx, id, func(d *models.Deal) error {
		from = d.Status
		return Reconcile(d, obs)
	})

	switch {
	case errors.Is(err, ErrStaleObservation):
		e.metrics.reconciled("stale")
		e.dealEntry(updated).WithFields(logrus.Fields{
			"cursor":        obs.RemoteCursor,
			"remote_status": obs.RemoteStatus,
		}).Debug("Наблюдение устарело, пропускаем.")
		return updated, nil
	case IsInconsistent(err):
		e.metrics.reconciled("inconsistent")
		e.dealEntry(updated).WithError(err).Error("Состояние леджера расходится с локальным.")
		return updated, err
	case err != nil:
		return nil, err
	}

	e.metrics.reconciled("applied")
	if updated.Status != from {
		e.dealEntry(updated).WithFields(logrus.Fields{
			"from":   from,
			"to":     updated.Status,
			"cursor": updated.SyncCursor,
		}).Info("Статус сделки обновлён по данным леджера.")
	}
	return updated, nil
}

// activeStatuses — сделки, которые ещё могут измениться в леджере.
var activeStatuses = []models.Status{
	models.StatusNew,
	models.StatusDeployFailed,
	models.StatusFunded,
	models.StatusPurchased,
	models.StatusShipped,
	models.StatusDispute,
}

// SyncAll сверяет все незавершённые сделки с известным адресом контракта.
func (e *Engine) SyncAll(ctx context.Context) {
	deals, err := e.store.ListByStatus(ctx, activeStatuses...)
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось получить список сделок для сверки.")
		return
	}
	for _, d := range deals {
		if ctx.Err() != nil {
			return
		}
		if d.ContractAddress == "" {
			continue
		}
		if _, err := e.Sync(ctx, d.ID); err != nil {
			e.dealEntry(d).WithError(err).Warn("Не удалось сверить сделку с леджером.")
		}
	}
}

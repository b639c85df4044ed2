package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dealescrow/internal/ledger"
	"dealescrow/internal/models"
	"dealescrow/internal/storage"
)

var (
	ErrInvalidDeal = errors.New("Некорректные параметры сделки.")
	// ErrDealExists — идентификатор занят сделкой с другими параметрами.
	ErrDealExists = errors.New("Сделка с таким идентификатором уже существует.")
)

// Заявка деплоя хранится в PendingAction наравне с действиями.
const pendingDeploy models.Action = "deploy"

type DeployParams struct {
	DealID        string         `json:"id"`
	Customer      models.Address `json:"customer"`
	Buyer         models.Address `json:"buyer"`
	ServiceWallet models.Address `json:"service_wallet"`
	Arbiter       models.Address `json:"arbiter"`

	ItemPrice  models.Amount `json:"item_price"`
	BuyerFee   models.Amount `json:"buyer_fee"`
	ServiceFee models.Amount `json:"service_fee"`
	Insurance  models.Amount `json:"insurance"`

	PurchaseDeadline time.Time `json:"purchase_deadline"`
	ShipDeadline     time.Time `json:"ship_deadline"`
	ConfirmDeadline  time.Time `json:"confirm_deadline"`

	MetadataHash models.Hash `json:"metadata_hash"`
}

func (p DeployParams) deal(now time.Time) *models.Deal {
	return &models.Deal{
		ID:               p.DealID,
		Customer:         p.Customer,
		Buyer:            p.Buyer,
		ServiceWallet:    p.ServiceWallet,
		Arbiter:          p.Arbiter,
		ItemPrice:        p.ItemPrice,
		BuyerFee:         p.BuyerFee,
		ServiceFee:       p.ServiceFee,
		Insurance:        p.Insurance,
		PurchaseDeadline: p.PurchaseDeadline.UTC(),
		ShipDeadline:     p.ShipDeadline.UTC(),
		ConfirmDeadline:  p.ConfirmDeadline.UTC(),
		MetadataHash:     p.MetadataHash,
		Status:           models.StatusNew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Prepare выводит адрес контракта и сохраняет сделку в NEW.
// Повторный вызов с теми же параметрами возвращает уже сохранённую сделку.
func (e *Engine) Prepare(ctx context.Context, p DeployParams) (*models.Deal, error) {
	d := p.deal(e.now().UTC())
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w %v", ErrInvalidDeal, err)
	}
	addr, err := ledger.ContractAddress(e.workchain, e.code, ledger.InitParametersOf(d))
	if err != nil {
		return nil, fmt.Errorf("%w %v", ErrInvalidDeal, err)
	}
	d.ContractAddress = addr

	existing, err := e.store.GetByContractAddress(ctx, d.ContractAddress)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	inserted, err := e.store.Insert(ctx, d)
	if err != nil {
		return nil, err
	}
	if inserted {
		e.dealEntry(d).WithField("total", d.TotalEscrowed()).Info("Сделка создана.")
		return d, nil
	}

	// Вставку могла опередить параллельная Prepare с теми же параметрами.
	existing, err = e.store.GetByContractAddress(ctx, d.ContractAddress)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDealExists, d.ID)
	}
	return existing, err
}

// Deploy сохраняет сделку и сразу финансирует контракт.
func (e *Engine) Deploy(ctx context.Context, p DeployParams) (*models.Deal, error) {
	d, err := e.Prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.Fund(ctx, d.ID)
}

var errAlreadyFunded = errors.New("already funded")

// Fund отправляет финансирующую транзакцию и ждёт, пока леджер покажет полную сумму.
// Если подтверждения нет за DeployPollAttempts опросов, сделка переходит в DEPLOY_FAILED
// и её можно финансировать повторно.
func (e *Engine) Fund(ctx context.Context, id string) (*models.Deal, error) {
	now := e.now()
	d, err := e.store.Mutate(ctx, id, func(d *models.Deal) error {
		if d.Status.Funded() {
			return errAlreadyFunded
		}
		if e.pendingActive(d, now) {
			return ErrActionPending
		}
		d.PendingAction = pendingDeploy
		d.PendingSince = now
		d.DeployAttempts++
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyFunded):
		return d, nil
	case err != nil:
		return d, err
	}

	log := e.dealEntry(d).WithField("attempt", d.DeployAttempts)
	log.Info("Начинаем деплой контракта.")

	if e.sub != nil {
		if err := e.sub.Subscribe(d.ContractAddress); err != nil {
			log.WithError(err).Warn("Не удалось подписаться на адрес контракта.")
		}
	}

	if e.fundingLanded(ctx, d) {
		log.WithField("funding_tx_id", d.FundingTxID).Info("Финансирующая транзакция уже в сети, повторно не отправляем.")
	} else {
		txID, err := e.submitFunding(ctx, d)
		if err != nil {
			e.metrics.deployed("rejected")
			log.WithError(err).Error("Не удалось отправить финансирующую транзакцию.")
			failed, markErr := e.markDeployFailed(context.WithoutCancel(ctx), d.ID)
			if markErr != nil {
				return d, errors.Join(err, markErr)
			}
			return failed, err
		}
		d, err = e.store.Mutate(ctx, d.ID, func(d *models.Deal) error {
			d.FundingTxID = txID
			return nil
		})
		if err != nil {
			return d, err
		}
	}

	for i := 0; i < e.cfg.DeployPollAttempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, e.cfg.DeployPollInterval); err != nil {
				return d, err
			}
		}
		obs, ok, err := e.observe(ctx, d)
		if err != nil {
			log.WithError(err).Warn("Не удалось опросить контракт при деплое.")
			continue
		}
		if !ok {
			continue
		}
		updated, err := e.apply(ctx, d.ID, obs)
		if err != nil {
			return updated, err
		}
		if updated.Status.Funded() {
			e.metrics.deployed("funded")
			e.dealEntry(updated).WithFields(logrus.Fields{
				"status": updated.Status,
				"cursor": updated.SyncCursor,
			}).Info("Контракт профинансирован.")
			return updated, nil
		}
		d = updated
	}

	e.metrics.deployed("timeout")
	log.Warn("Финансирование не подтвердилось, сделка помечена DEPLOY_FAILED.")
	return e.markDeployFailed(ctx, d.ID)
}

// fundingLanded: транзакция уже отправлялась и на адресе есть баланс.
func (e *Engine) fundingLanded(ctx context.Context, d *models.Deal) bool {
	if d.FundingTxID == "" {
		return false
	}
	info, err := withRetry(ctx, e, func(ctx context.Context) (ledger.AddressInfo, error) {
		return e.client.QueryAddress(ctx, d.ContractAddress)
	})
	if err != nil {
		e.dealEntry(d).WithError(err).Warn("Не удалось проверить баланс контракта.")
		return false
	}
	return info.Balance > 0
}

func (e *Engine) submitFunding(ctx context.Context, d *models.Deal) (string, error) {
	req := ledger.FundingRequest{
		DealID:          d.ID,
		ContractAddress: d.ContractAddress,
		Workchain:       e.workchain,
		CodeImage:       e.code.ToBOC(),
		Init:            ledger.InitParametersOf(d),
		Amount:          d.TotalEscrowed(),
	}
	signed, err := withRetry(ctx, e, func(ctx context.Context) (ledger.SignedTransaction, error) {
		return e.signer.SignFunding(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("Не удалось подписать финансирование: %w", err)
	}
	txID, err := withRetry(ctx, e, func(ctx context.Context) (string, error) {
		return e.client.Submit(ctx, signed)
	})
	if err != nil {
		return "", fmt.Errorf("Не удалось отправить финансирование: %w", err)
	}
	return txID, nil
}

func (e *Engine) markDeployFailed(ctx context.Context, id string) (*models.Deal, error) {
	return e.store.Mutate(ctx, id, func(d *models.Deal) error {
		if !d.Status.Funded() {
			d.Status = models.StatusDeployFailed
		}
		clearPending(d)
		return nil
	})
}

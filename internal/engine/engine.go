package engine

import (
	"context"
	"time"

	"github.com/xssnick/tonutils-go/tvm/cell"

	"dealescrow/internal/config"
	"dealescrow/internal/escrow"
	"dealescrow/internal/ledger"
	"dealescrow/internal/logger"
	"dealescrow/internal/models"
)

// DealStore — хранилище сделок с оптимистичной блокировкой.
type DealStore interface {
	Insert(ctx context.Context, d *models.Deal) (bool, error)
	Get(ctx context.Context, id string) (*models.Deal, error)
	GetByContractAddress(ctx context.Context, addr models.Address) (*models.Deal, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Deal, error)
	Mutate(ctx context.Context, id string, fn func(d *models.Deal) error) (*models.Deal, error)
}

// Subscriber — поток уведомлений леджера, на который подписываются адреса контрактов.
type Subscriber interface {
	Subscribe(addresses ...models.Address) error
}

type Engine struct {
	cfg       config.EngineConfig
	client    ledger.Client
	signer    ledger.Signer
	store     DealStore
	machine   *escrow.Machine
	code      *cell.Cell
	workchain int32
	log       *logger.Logger
	metrics   *metrics
	sub       Subscriber
	now       func() time.Time
}

func New(cfg *config.Config, code *cell.Cell, client ledger.Client, signer ledger.Signer, store DealStore, log *logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg.Engine,
		client:    client,
		signer:    signer,
		store:     store,
		machine:   escrow.NewMachine(cfg.Escrow.Payout),
		code:      code,
		workchain: cfg.Ledger.Workchain,
		log:       log,
		metrics:   engineMetrics(),
		now:       time.Now,
	}
}

func (e *Engine) SetSubscriber(sub Subscriber) {
	e.sub = sub
}

// SetClock подменяет источник времени, для тестов.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Machine() *escrow.Machine {
	return e.machine
}

func (e *Engine) Policy() escrow.Policy {
	return e.machine.Policy()
}

func (e *Engine) Get(ctx context.Context, id string) (*models.Deal, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, statuses ...models.Status) ([]*models.Deal, error) {
	return e.store.ListByStatus(ctx, statuses...)
}

// Start восстанавливает состояние сделок и запускает периодическую сверку
// и проверку тайм-аутов. Возвращается после отмены ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.logEntry().Info("Движок эскроу запущен.")

	e.restoreDeals(ctx)

	syncTicker := time.NewTicker(e.cfg.SyncInterval)
	defer syncTicker.Stop()
	timeoutTicker := time.NewTicker(e.cfg.TimeoutInterval)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logEntry().Info("Движок эскроу остановлен.")
			return nil
		case <-syncTicker.C:
			e.SyncAll(ctx)
		case <-timeoutTicker.C:
			if _, err := e.SweepTimeouts(ctx); err != nil {
				e.logEntry().WithError(err).Warn("Проверка тайм-аутов завершилась с ошибкой.")
			}
		}
	}
}

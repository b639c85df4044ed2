package engine

import (
	"context"
	"errors"

	"dealescrow/internal/escrow"
	"dealescrow/internal/models"
)

// SweepTimeouts выполняет от имени сервиса действия по истёкшим дедлайнам.
// Возвращает число отправленных действий.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	deals, err := e.store.ListByStatus(ctx, models.StatusFunded, models.StatusPurchased, models.StatusShipped)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, d := range deals {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		// Перед действием сверяемся: участник мог успеть раньше.
		synced, err := e.Sync(ctx, d.ID)
		if err != nil {
			e.dealEntry(d).WithError(err).Warn("Не удалось сверить сделку перед тайм-аутом.")
			continue
		}
		action, ok := escrow.DueTimeout(synced, e.now())
		if !ok {
			continue
		}

		_, _, err = e.Execute(ctx, ActionRequest{
			DealID: synced.ID,
			Action: action,
			Actor:  synced.ServiceWallet,
		})
		switch {
		case errors.Is(err, ErrActionPending):
			e.dealEntry(synced).WithField("action", action).Debug("Действие по тайм-ауту уже выполняется.")
		case err != nil:
			e.dealEntry(synced).WithError(err).WithField("action", action).Warn("Не удалось выполнить действие по тайм-ауту.")
		default:
			sent++
		}
	}

	if sent > 0 {
		e.logEntry().WithField("count", sent).Info("Отправлены действия по тайм-аутам.")
	}
	return sent, nil
}

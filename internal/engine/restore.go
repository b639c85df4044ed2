package engine

import (
	"context"

	"dealescrow/internal/models"
)

// restoreDeals после старта подписывается на адреса незавершённых сделок и сверяет их с леджером.
func (e *Engine) restoreDeals(ctx context.Context) {
	deals, err := e.store.ListByStatus(ctx, activeStatuses...)
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось восстановить сделки.")
		return
	}

	addresses := make([]models.Address, 0, len(deals))
	for _, d := range deals {
		if d.ContractAddress != "" {
			addresses = append(addresses, d.ContractAddress)
		}
	}
	if e.sub != nil && len(addresses) > 0 {
		if err := e.sub.Subscribe(addresses...); err != nil {
			e.logEntry().WithError(err).Warn("Не удалось подписаться на адреса сделок.")
		}
	}

	e.logEntry().WithField("deals", len(addresses)).Info("Сделки восстановлены, сверка с леджером.")
	e.SyncAll(ctx)
}

package engine

import (
	"context"
	"errors"

	"dealescrow/internal/ledger/stream"
	"dealescrow/internal/storage"
)

// HandleEvents обрабатывает уведомления потока леджера до отмены ctx или закрытия канала.
func (e *Engine) HandleEvents(ctx context.Context, events <-chan stream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				e.logEntry().Warn("Канал событий потока леджера закрыт.")
				return
			}
			switch event.Type {
			case stream.EventTypeTransaction:
				e.handleTransaction(ctx, event)
			case stream.EventTypeReconnect:
				e.logEntry().Info("Получен сигнал реконнекта потока, сверка сделок.")
				e.SyncAll(ctx)
			}
		}
	}
}

func (e *Engine) handleTransaction(ctx context.Context, event stream.Event) {
	d, err := e.store.GetByContractAddress(ctx, event.Address)
	if errors.Is(err, storage.ErrNotFound) {
		e.logEntry().WithField("address", event.Address).Debug("Транзакция по неизвестному адресу.")
		return
	}
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось найти сделку по адресу.")
		return
	}
	if event.Cursor != 0 && event.Cursor <= d.SyncCursor {
		return
	}
	if _, err := e.Sync(ctx, d.ID); err != nil {
		e.dealEntry(d).WithError(err).Warn("Не удалось сверить сделку по уведомлению.")
	}
}

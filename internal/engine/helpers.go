package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealescrow/internal/ledger"
	"dealescrow/internal/models"
)

const maxRetryWait = 30 * time.Second

// withRetry повторяет fn, пока ошибка сетевая, с удвоением паузы.
// Отказ леджера и ошибки подписи возвращаются сразу.
func withRetry[T any](ctx context.Context, e *Engine, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := e.cfg.RetryBackoff
	for i := 0; i < e.cfg.SubmitAttempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		res, err := fn(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !ledger.IsRetryable(err) || i == e.cfg.SubmitAttempts-1 {
			break
		}
		e.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryWait)
	}
	return zero, lastErr
}

// sleepCtx ждёт d или отмены ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clearPending(d *models.Deal) {
	d.PendingAction = ""
	d.PendingSince = time.Time{}
}

// pendingActive: другой исполнитель уже взял сделку и его заявка ещё не истекла.
func (e *Engine) pendingActive(d *models.Deal, now time.Time) bool {
	return d.PendingAction != "" && now.Sub(d.PendingSince) < e.cfg.PendingTTL
}

// NewDealID генерирует короткий идентификатор сделки.
func NewDealID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"dealescrow/internal/ledger"
)

func TestNewDealID(t *testing.T) {
	id := NewDealID()
	assert.Len(t, id, 12)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, NewDealID())
}

func TestWithRetryStopsOnFatalError(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	_, err := withRetry(t.Context(), env.engine, func(context.Context) (string, error) {
		calls++
		return "", &ledger.RejectedError{Code: 1, Reason: "no"}
	})
	assert.True(t, ledger.IsRejected(err))
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonoursCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(t.Context())
	calls := 0
	_, err := withRetry(ctx, env.engine, func(context.Context) (string, error) {
		calls++
		cancel()
		return "", &ledger.NetworkError{Op: "x", Err: errors.New("down")}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

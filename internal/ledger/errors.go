package ledger

import (
	"context"
	"errors"
	"fmt"
)

var ErrMethodNotFound = errors.New("Get-метод не найден в контракте.")

// NetworkError — временный сбой транспорта, запрос можно повторить.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("Сетевая ошибка леджера (%s): %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RejectedError — леджер отклонил транзакцию. Повтор не поможет.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("Леджер отклонил запрос: %s (code=%d)", e.Reason, e.Code)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false
	}
	var network *NetworkError
	return errors.As(err, &network)
}

func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

package escrow

import (
	"time"

	"dealescrow/internal/models"
)

type Deadline uint8

const (
	DeadlinePurchase Deadline = iota + 1
	DeadlineShip
	DeadlineConfirm
)

func (d Deadline) String() string {
	switch d {
	case DeadlinePurchase:
		return "purchase"
	case DeadlineShip:
		return "ship"
	case DeadlineConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// Дедлайны сравниваются в секундах: контракт хранит unix time.
func deadlineOf(d *models.Deal, which Deadline) int64 {
	switch which {
	case DeadlinePurchase:
		return d.PurchaseDeadline.Unix()
	case DeadlineShip:
		return d.ShipDeadline.Unix()
	case DeadlineConfirm:
		return d.ConfirmDeadline.Unix()
	default:
		return 0
	}
}

// NotAfter: now <= deadline.
func NotAfter(d *models.Deal, which Deadline, now time.Time) bool {
	return now.Unix() <= deadlineOf(d, which)
}

// Elapsed: now > deadline.
func Elapsed(d *models.Deal, which Deadline, now time.Time) bool {
	return now.Unix() > deadlineOf(d, which)
}

// DueTimeout возвращает действие по тайм-ауту, которое уже можно вызвать для сделки.
func DueTimeout(d *models.Deal, now time.Time) (models.Action, bool) {
	switch d.Status {
	case models.StatusFunded:
		if Elapsed(d, DeadlinePurchase, now) {
			return models.ActionCancelBeforePurchase, true
		}
	case models.StatusPurchased:
		if Elapsed(d, DeadlineShip, now) {
			return models.ActionCancelBeforeShip, true
		}
	case models.StatusShipped:
		if Elapsed(d, DeadlineConfirm, now) {
			return models.ActionAutoCompleteForBuyer, true
		}
	}
	return "", false
}

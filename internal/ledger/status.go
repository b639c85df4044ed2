package ledger

import (
	"fmt"

	"dealescrow/internal/models"
)

// Коды статусов, которые возвращает get_status контракта.
var statusCodes = []models.Status{
	models.StatusNew,
	models.StatusFunded,
	models.StatusPurchased,
	models.StatusShipped,
	models.StatusCompleted,
	models.StatusCancelledRefundCustomer,
	models.StatusCancelledPayBuyer,
	models.StatusDispute,
	models.StatusResolvedRefundCustomer,
	models.StatusResolvedPayBuyer,
	models.StatusResolvedSplit,
}

func DecodeStatus(code uint64) (models.Status, error) {
	if code >= uint64(len(statusCodes)) {
		return "", fmt.Errorf("Неизвестный код статуса контракта: %d", code)
	}
	return statusCodes[code], nil
}

func EncodeStatus(status models.Status) (uint64, bool) {
	for i, s := range statusCodes {
		if s == status {
			return uint64(i), true
		}
	}
	return 0, false
}

// StatusFromStack разбирает результат get_status.
func StatusFromStack(stack []StackEntry) (models.Status, error) {
	if len(stack) == 0 {
		return "", fmt.Errorf("Пустой стек get_status.")
	}
	code, err := stack[0].Uint64()
	if err != nil {
		return "", err
	}
	return DecodeStatus(code)
}

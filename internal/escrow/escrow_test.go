package escrow

import (
	"time"

	"dealescrow/internal/models"
)

const (
	customer = models.Address("EQ-customer")
	buyer    = models.Address("EQ-buyer")
	service  = models.Address("EQ-service")
	arbiter  = models.Address("EQ-arbiter")
	stranger = models.Address("EQ-stranger")
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDeal(status models.Status) *models.Deal {
	return &models.Deal{
		ID:               "d1",
		Customer:         customer,
		Buyer:            buyer,
		ServiceWallet:    service,
		Arbiter:          arbiter,
		ItemPrice:        900,
		BuyerFee:         50,
		ServiceFee:       30,
		Insurance:        20,
		PurchaseDeadline: base.Add(24 * time.Hour),
		ShipDeadline:     base.Add(72 * time.Hour),
		ConfirmDeadline:  base.Add(240 * time.Hour),
		Status:           status,
	}
}

func actorFor(action models.Action) models.Address {
	switch action {
	case models.ActionConfirmDelivery, models.ActionOpenDispute:
		return customer
	case models.ActionResolveDisputeRefundCustomer, models.ActionResolveDisputePayBuyer, models.ActionResolveDisputeSplit:
		return arbiter
	default:
		return buyer
	}
}

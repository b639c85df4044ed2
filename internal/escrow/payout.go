package escrow

import (
	"fmt"

	"dealescrow/internal/models"
)

// Route назначает получателя каждой денежной составляющей сделки.
type Route struct {
	Item       models.Role `json:"item"`
	BuyerFee   models.Role `json:"buyer_fee"`
	ServiceFee models.Role `json:"service_fee"`
	Insurance  models.Role `json:"insurance"`
}

// Policy — распределение средств для статусов, которые контракт не фиксирует жёстко.
type Policy struct {
	Completed               Route `json:"completed"`
	CancelledRefundCustomer Route `json:"cancelled_refund_customer"`
	CancelledPayBuyer       Route `json:"cancelled_pay_buyer"`
}

func DefaultPolicy() Policy {
	return Policy{
		Completed: Route{
			Item:       models.RoleBuyer,
			BuyerFee:   models.RoleBuyer,
			ServiceFee: models.RoleService,
			Insurance:  models.RoleBuyer,
		},
		CancelledRefundCustomer: Route{
			Item:       models.RoleCustomer,
			BuyerFee:   models.RoleCustomer,
			ServiceFee: models.RoleService,
			Insurance:  models.RoleCustomer,
		},
		CancelledPayBuyer: Route{
			Item:       models.RoleBuyer,
			BuyerFee:   models.RoleBuyer,
			ServiceFee: models.RoleService,
			Insurance:  models.RoleCustomer,
		},
	}
}

func (p Policy) Validate() error {
	for status, route := range map[models.Status]Route{
		models.StatusCompleted:               p.Completed,
		models.StatusCancelledRefundCustomer: p.CancelledRefundCustomer,
		models.StatusCancelledPayBuyer:       p.CancelledPayBuyer,
	} {
		if err := route.validate(); err != nil {
			return fmt.Errorf("Некорректная политика выплат для %s: %w", status, err)
		}
	}
	return nil
}

func (r Route) validate() error {
	for name, role := range map[string]models.Role{
		"item":        r.Item,
		"buyer_fee":   r.BuyerFee,
		"service_fee": r.ServiceFee,
		"insurance":   r.Insurance,
	} {
		if role < models.RoleCustomer || role > models.RoleArbiter {
			return fmt.Errorf("не задан получатель %s", name)
		}
	}
	return nil
}

func (p Policy) route(status models.Status) (Route, bool) {
	switch status {
	case models.StatusCompleted:
		return p.Completed, true
	case models.StatusCancelledRefundCustomer:
		return p.CancelledRefundCustomer, true
	case models.StatusCancelledPayBuyer:
		return p.CancelledPayBuyer, true
	default:
		return Route{}, false
	}
}

// ComputePayout распределяет TotalEscrowed() для терминального статуса.
// Нарушение сохранения суммы — ошибка программы, поэтому panic.
func ComputePayout(d *models.Deal, status models.Status, policy Policy) models.Payout {
	total := d.TotalEscrowed()
	out := models.Payout{}

	switch status {
	case models.StatusResolvedRefundCustomer:
		out[models.RoleCustomer] = total
	case models.StatusResolvedPayBuyer:
		out[models.RoleBuyer] = total
	case models.StatusResolvedSplit:
		rest := total - d.ServiceFee
		half := rest / 2
		out[models.RoleService] += d.ServiceFee
		out[models.RoleBuyer] += half
		out[models.RoleCustomer] += rest - half
	default:
		route, ok := policy.route(status)
		if !ok {
			panic(fmt.Sprintf("payout: статус %s не терминальный", status))
		}
		out[route.Item] += d.ItemPrice
		out[route.BuyerFee] += d.BuyerFee
		out[route.ServiceFee] += d.ServiceFee
		out[route.Insurance] += d.Insurance
	}

	for role, amt := range out {
		if amt == 0 {
			delete(out, role)
		}
	}
	if out.Total() != total {
		panic(fmt.Sprintf("payout: нарушено сохранение суммы для %s: %d != %d", status, out.Total(), total))
	}
	return out
}

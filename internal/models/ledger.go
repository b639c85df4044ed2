package models

// Observation — состояние контракта, прочитанное из леджера.
type Observation struct {
	RemoteStatus Status `json:"remote_status"`
	RemoteCursor uint64 `json:"remote_cursor"`
	Balance      Amount `json:"balance"`
}

type Payout map[Role]Amount

func (p Payout) Total() Amount {
	var sum Amount
	for _, amt := range p {
		sum += amt
	}
	return sum
}

// ByAddress сворачивает выплату по адресам: один адрес может занимать несколько ролей.
func (p Payout) ByAddress(d *Deal) map[Address]Amount {
	out := make(map[Address]Amount, len(p))
	for role, amt := range p {
		if amt == 0 {
			continue
		}
		out[d.Party(role)] += amt
	}
	return out
}

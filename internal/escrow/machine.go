package escrow

import (
	"time"

	"dealescrow/internal/models"
)

type codes struct {
	status   int
	role     int
	deadline int
}

type guard struct {
	deadline Deadline
	// true: действие доступно только после дедлайна (тайм-аут).
	after bool
}

type rule struct {
	action models.Action
	from   []models.Status
	to     models.Status
	actors models.RoleSet
	guard  *guard
	codes  codes
}

var rules = map[models.Action]rule{
	models.ActionMarkPurchased: {
		action: models.ActionMarkPurchased,
		from:   []models.Status{models.StatusFunded},
		to:     models.StatusPurchased,
		actors: models.RolesOf(models.RoleBuyer),
		guard:  &guard{deadline: DeadlinePurchase},
		codes:  codes{status: 101, role: 102, deadline: 103},
	},
	models.ActionMarkShipped: {
		action: models.ActionMarkShipped,
		from:   []models.Status{models.StatusPurchased},
		to:     models.StatusShipped,
		actors: models.RolesOf(models.RoleBuyer),
		guard:  &guard{deadline: DeadlineShip},
		codes:  codes{status: 201, role: 202, deadline: 203},
	},
	models.ActionConfirmDelivery: {
		action: models.ActionConfirmDelivery,
		from:   []models.Status{models.StatusShipped},
		to:     models.StatusCompleted,
		actors: models.RolesOf(models.RoleCustomer),
		codes:  codes{status: 301, role: 302},
	},
	models.ActionCancelBeforePurchase: {
		action: models.ActionCancelBeforePurchase,
		from:   []models.Status{models.StatusFunded},
		to:     models.StatusCancelledRefundCustomer,
		actors: models.RolesOf(models.RoleBuyer, models.RoleService),
		guard:  &guard{deadline: DeadlinePurchase, after: true},
		codes:  codes{status: 401, role: 402, deadline: 402},
	},
	models.ActionCancelBeforeShip: {
		action: models.ActionCancelBeforeShip,
		from:   []models.Status{models.StatusPurchased},
		to:     models.StatusCancelledPayBuyer,
		actors: models.RolesOf(models.RoleBuyer, models.RoleService),
		guard:  &guard{deadline: DeadlineShip, after: true},
		codes:  codes{status: 501, role: 502, deadline: 502},
	},
	models.ActionAutoCompleteForBuyer: {
		action: models.ActionAutoCompleteForBuyer,
		from:   []models.Status{models.StatusShipped},
		to:     models.StatusCompleted,
		actors: models.RolesOf(models.RoleBuyer, models.RoleService),
		guard:  &guard{deadline: DeadlineConfirm, after: true},
		codes:  codes{status: 601, role: 602, deadline: 603},
	},
	models.ActionOpenDispute: {
		action: models.ActionOpenDispute,
		from:   []models.Status{models.StatusPurchased, models.StatusShipped},
		to:     models.StatusDispute,
		actors: models.RolesOf(models.RoleCustomer, models.RoleBuyer),
		codes:  codes{status: 1001, role: 1002},
	},
	models.ActionResolveDisputeRefundCustomer: {
		action: models.ActionResolveDisputeRefundCustomer,
		from:   []models.Status{models.StatusDispute},
		to:     models.StatusResolvedRefundCustomer,
		actors: models.RolesOf(models.RoleArbiter),
		codes:  codes{status: 701, role: 702},
	},
	models.ActionResolveDisputePayBuyer: {
		action: models.ActionResolveDisputePayBuyer,
		from:   []models.Status{models.StatusDispute},
		to:     models.StatusResolvedPayBuyer,
		actors: models.RolesOf(models.RoleArbiter),
		codes:  codes{status: 801, role: 802},
	},
	models.ActionResolveDisputeSplit: {
		action: models.ActionResolveDisputeSplit,
		from:   []models.Status{models.StatusDispute},
		to:     models.StatusResolvedSplit,
		actors: models.RolesOf(models.RoleArbiter),
		codes:  codes{status: 901, role: 902},
	},
}

// Рёбра деплоя не принадлежат машине состояний, но участвуют в достижимости.
var fundingEdges = map[models.Status][]models.Status{
	models.StatusNew:          {models.StatusFunded, models.StatusDeployFailed},
	models.StatusDeployFailed: {models.StatusFunded},
}

var reachable = buildReachability()

type Result struct {
	Action models.Action `json:"action"`
	From   models.Status `json:"from"`
	To     models.Status `json:"to"`
	Payout models.Payout `json:"payout,omitempty"`
}

type Machine struct {
	policy Policy
}

func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy}
}

func (m *Machine) Policy() Policy {
	return m.policy
}

// Apply проверяет переход в порядке статус → роль → дедлайн. Сделку не изменяет.
func (m *Machine) Apply(d *models.Deal, action models.Action, actor models.Address, now time.Time) (Result, error) {
	r, ok := rules[action]
	if !ok {
		return Result{}, ErrUnknownAction
	}

	if !containsStatus(r.from, d.Status) {
		return Result{}, r.violation(ViolationStatus, d.Status)
	}

	if !d.RolesOf(actor).Any(r.actors) {
		return Result{}, r.violation(ViolationRole, d.Status)
	}

	if r.guard != nil {
		allowed := NotAfter(d, r.guard.deadline, now)
		if r.guard.after {
			allowed = Elapsed(d, r.guard.deadline, now)
		}
		if !allowed {
			return Result{}, r.violation(ViolationDeadline, d.Status)
		}
	}

	res := Result{
		Action: action,
		From:   d.Status,
		To:     r.to,
	}
	if r.to.IsTerminal() {
		res.Payout = ComputePayout(d, r.to, m.policy)
	}
	return res, nil
}

func (r rule) violation(v Violation, status models.Status) *TransitionError {
	code := r.codes.status
	switch v {
	case ViolationRole:
		code = r.codes.role
	case ViolationDeadline:
		code = r.codes.deadline
	}
	return &TransitionError{
		Code:      code,
		Action:    r.action,
		Violation: v,
		Status:    status,
	}
}

// Target возвращает статус, в который переводит действие.
func Target(action models.Action) (models.Status, bool) {
	r, ok := rules[action]
	if !ok {
		return "", false
	}
	return r.to, true
}

// Successors — непосредственные переходы из статуса, включая рёбра деплоя.
func Successors(from models.Status) []models.Status {
	var out []models.Status
	seen := map[models.Status]bool{}
	for _, action := range models.AllActions {
		r := rules[action]
		if containsStatus(r.from, from) && !seen[r.to] {
			seen[r.to] = true
			out = append(out, r.to)
		}
	}
	for _, to := range fundingEdges[from] {
		if !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	return out
}

// Reachable: существует путь длины >= 0 из from в to.
func Reachable(from, to models.Status) bool {
	if from == to {
		return true
	}
	return reachable[from][to]
}

func buildReachability() map[models.Status]map[models.Status]bool {
	all := append(append([]models.Status{}, models.AllStatuses...), models.StatusDeployFailed)
	out := make(map[models.Status]map[models.Status]bool, len(all))
	for _, start := range all {
		seen := map[models.Status]bool{}
		queue := Successors(start)
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, Successors(next)...)
		}
		out[start] = seen
	}
	return out
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

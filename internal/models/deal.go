package models

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
	"time"
)

type Status string
type Action string
type Role uint8
type Address string
type Amount uint64

const (
	StatusNew                     Status = "NEW"
	StatusFunded                  Status = "FUNDED"
	StatusPurchased               Status = "PURCHASED"
	StatusShipped                 Status = "SHIPPED"
	StatusCompleted               Status = "COMPLETED"
	StatusCancelledRefundCustomer Status = "CANCELLED_REFUND_CUSTOMER"
	StatusCancelledPayBuyer       Status = "CANCELLED_PAY_BUYER"
	StatusDispute                 Status = "DISPUTE"
	StatusResolvedRefundCustomer  Status = "RESOLVED_REFUND_CUSTOMER"
	StatusResolvedPayBuyer        Status = "RESOLVED_PAY_BUYER"
	StatusResolvedSplit           Status = "RESOLVED_SPLIT"

	// Вне графа переходов: деплой не подтвердился, можно повторить.
	StatusDeployFailed Status = "DEPLOY_FAILED"
)

const (
	ActionMarkPurchased                Action = "mark_purchased"
	ActionMarkShipped                  Action = "mark_shipped"
	ActionConfirmDelivery              Action = "confirm_delivery"
	ActionCancelBeforePurchase         Action = "cancel_before_purchase"
	ActionCancelBeforeShip             Action = "cancel_before_ship"
	ActionAutoCompleteForBuyer         Action = "auto_complete_for_buyer"
	ActionOpenDispute                  Action = "open_dispute"
	ActionResolveDisputeRefundCustomer Action = "resolve_dispute_refund_customer"
	ActionResolveDisputePayBuyer       Action = "resolve_dispute_pay_buyer"
	ActionResolveDisputeSplit          Action = "resolve_dispute_split"
)

const (
	RoleCustomer Role = iota + 1
	RoleBuyer
	RoleService
	RoleArbiter
)

var AllStatuses = []Status{
	StatusNew,
	StatusFunded,
	StatusPurchased,
	StatusShipped,
	StatusCompleted,
	StatusCancelledRefundCustomer,
	StatusCancelledPayBuyer,
	StatusDispute,
	StatusResolvedRefundCustomer,
	StatusResolvedPayBuyer,
	StatusResolvedSplit,
}

var AllActions = []Action{
	ActionMarkPurchased,
	ActionMarkShipped,
	ActionConfirmDelivery,
	ActionCancelBeforePurchase,
	ActionCancelBeforeShip,
	ActionAutoCompleteForBuyer,
	ActionOpenDispute,
	ActionResolveDisputeRefundCustomer,
	ActionResolveDisputePayBuyer,
	ActionResolveDisputeSplit,
}

func (s Status) Valid() bool {
	if s == StatusDeployFailed {
		return true
	}
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted,
		StatusCancelledRefundCustomer,
		StatusCancelledPayBuyer,
		StatusResolvedRefundCustomer,
		StatusResolvedPayBuyer,
		StatusResolvedSplit:
		return true
	default:
		return false
	}
}

// Funded сообщает, что средства уже были под контролем контракта.
func (s Status) Funded() bool {
	return s.Valid() && s != StatusNew && s != StatusDeployFailed
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("Неизвестный статус сделки: %s", raw)
	}
	return s, nil
}

func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllActions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("Неизвестное действие: %s", raw)
}

func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RoleBuyer:
		return "buyer"
	case RoleService:
		return "service"
	case RoleArbiter:
		return "arbiter"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "customer":
		return RoleCustomer, nil
	case "buyer":
		return RoleBuyer, nil
	case "service", "service_wallet":
		return RoleService, nil
	case "arbiter":
		return RoleArbiter, nil
	default:
		return 0, fmt.Errorf("Некорректная роль: %s", raw)
	}
}

// RoleSet — битовая маска ролей одного адреса.
type RoleSet uint8

func RolesOf(roles ...Role) RoleSet {
	var set RoleSet
	for _, r := range roles {
		set |= 1 << r
	}
	return set
}

func (s RoleSet) Has(r Role) bool {
	return s&(1<<r) != 0
}

func (s RoleSet) Any(roles RoleSet) bool {
	return s&roles != 0
}

type Hash [32]byte

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash разбирает hex-хеш ровно из 32 байт. Пустая строка означает отсутствие хеша.
func ParseHash(raw string) (Hash, error) {
	var h Hash
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if cleaned == "" {
		return h, nil
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return h, fmt.Errorf("Некорректный hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("Некорректная длина hash: %d байт вместо %d.", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}

type Deal struct {
	ID              string  `json:"id"`
	ContractAddress Address `json:"contract_address,omitempty"`

	Customer      Address `json:"customer"`
	Buyer         Address `json:"buyer"`
	ServiceWallet Address `json:"service_wallet"`
	Arbiter       Address `json:"arbiter"`

	ItemPrice  Amount `json:"item_price"`
	BuyerFee   Amount `json:"buyer_fee"`
	ServiceFee Amount `json:"service_fee"`
	Insurance  Amount `json:"insurance"`

	PurchaseDeadline time.Time `json:"purchase_deadline"`
	ShipDeadline     time.Time `json:"ship_deadline"`
	ConfirmDeadline  time.Time `json:"confirm_deadline"`

	MetadataHash Hash `json:"metadata_hash"`

	Status     Status `json:"status"`
	SyncCursor uint64 `json:"sync_cursor"`
	Version    int64  `json:"version"`

	FundingTxID    string    `json:"funding_tx_id,omitempty"`
	DeployAttempts int       `json:"deploy_attempts"`
	PendingAction  Action    `json:"pending_action,omitempty"`
	PendingSince   time.Time `json:"pending_since,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (d *Deal) TotalEscrowed() Amount {
	total, _ := d.total()
	return total
}

func (d *Deal) total() (Amount, bool) {
	sum := uint64(0)
	overflow := false
	for _, part := range []Amount{d.ItemPrice, d.BuyerFee, d.ServiceFee, d.Insurance} {
		var carry uint64
		sum, carry = bits.Add64(sum, uint64(part), 0)
		if carry != 0 {
			overflow = true
		}
	}
	return Amount(sum), !overflow
}

// RolesOf возвращает все роли, которые адрес занимает в сделке.
func (d *Deal) RolesOf(addr Address) RoleSet {
	var set RoleSet
	if addr == "" {
		return set
	}
	if sameAddress(addr, d.Customer) {
		set |= RolesOf(RoleCustomer)
	}
	if sameAddress(addr, d.Buyer) {
		set |= RolesOf(RoleBuyer)
	}
	if sameAddress(addr, d.ServiceWallet) {
		set |= RolesOf(RoleService)
	}
	if sameAddress(addr, d.Arbiter) {
		set |= RolesOf(RoleArbiter)
	}
	return set
}

func (d *Deal) Party(r Role) Address {
	switch r {
	case RoleCustomer:
		return d.Customer
	case RoleBuyer:
		return d.Buyer
	case RoleService:
		return d.ServiceWallet
	case RoleArbiter:
		return d.Arbiter
	default:
		return ""
	}
}

// Validate проверяет неизменяемые поля сделки при создании.
func (d *Deal) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("Пустой идентификатор сделки.")
	}
	for role, addr := range map[Role]Address{
		RoleCustomer: d.Customer,
		RoleBuyer:    d.Buyer,
		RoleService:  d.ServiceWallet,
		RoleArbiter:  d.Arbiter,
	} {
		if strings.TrimSpace(string(addr)) == "" {
			return fmt.Errorf("Не задан адрес участника: %s", role)
		}
	}
	if _, ok := d.total(); !ok {
		return fmt.Errorf("Переполнение суммы эскроу.")
	}
	if d.PurchaseDeadline.IsZero() || d.ShipDeadline.IsZero() || d.ConfirmDeadline.IsZero() {
		return fmt.Errorf("Не заданы дедлайны сделки.")
	}
	if !(d.PurchaseDeadline.Unix() < d.ShipDeadline.Unix() && d.ShipDeadline.Unix() < d.ConfirmDeadline.Unix()) {
		return fmt.Errorf("Дедлайны должны строго возрастать: purchase < ship < confirm.")
	}
	return nil
}

func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

func sameAddress(a, b Address) bool {
	return strings.EqualFold(strings.TrimSpace(string(a)), strings.TrimSpace(string(b)))
}

package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"dealescrow/internal/models"
)

const (
	// Get-метод контракта, возвращающий код статуса.
	MethodStatus = "get_status"

	// 1 TON = 1e9 nano.
	NanoPerTON = 1_000_000_000
)

type TxKind string

const (
	TxKindFunding TxKind = "funding"
	TxKindAction  TxKind = "action"
)

type SignedTransaction struct {
	DealID      string         `json:"deal_id"`
	Kind        TxKind         `json:"kind"`
	Destination models.Address `json:"destination"`
	// BOC в base64, как его принимает sendBoc.
	Boc string `json:"boc"`
}

type AddressInfo struct {
	Balance               models.Amount `json:"balance"`
	State                 string        `json:"state"`
	LastTransactionCursor uint64        `json:"last_transaction_lt"`
	LastTransactionHash   string        `json:"last_transaction_hash"`
}

func (a AddressInfo) Active() bool {
	return a.State == "active"
}

// StackEntry — элемент стека get-метода: ["num", "0x1"].
type StackEntry struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (e StackEntry) Uint64() (uint64, error) {
	if e.Type != "num" {
		return 0, fmt.Errorf("Элемент стека не число: %s", e.Type)
	}
	raw := strings.TrimSpace(e.Value)
	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "-0x") {
		neg := strings.HasPrefix(raw, "-")
		_, ok = n.SetString(strings.TrimPrefix(strings.TrimPrefix(raw, "-"), "0x"), 16)
		if neg {
			n.Neg(n)
		}
	} else {
		_, ok = n.SetString(raw, 10)
	}
	if !ok {
		return 0, fmt.Errorf("Некорректное число в стеке: %s", e.Value)
	}
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("Число вне диапазона uint64: %s", e.Value)
	}
	return n.Uint64(), nil
}

// Client — доступ к внешнему леджеру.
type Client interface {
	Submit(ctx context.Context, tx SignedTransaction) (string, error)
	QueryAddress(ctx context.Context, address models.Address) (AddressInfo, error)
	QueryMethod(ctx context.Context, address models.Address, method string, args []StackEntry) ([]StackEntry, error)
}

type FundingRequest struct {
	DealID          string         `json:"deal_id"`
	ContractAddress models.Address `json:"contract_address"`
	Workchain       int32          `json:"workchain"`
	CodeImage       []byte         `json:"code"`
	Init            InitParameters `json:"init"`
	Amount          models.Amount  `json:"amount"`
}

type ActionRequest struct {
	DealID          string         `json:"deal_id"`
	ContractAddress models.Address `json:"contract_address"`
	Action          models.Action  `json:"action"`
	Actor           models.Address `json:"actor"`
	DisputeReason   DisputeReason  `json:"dispute_reason,omitempty"`
}

// Signer — внешний держатель ключей. Сервис не хранит приватные ключи.
type Signer interface {
	SignFunding(ctx context.Context, req FundingRequest) (SignedTransaction, error)
	SignAction(ctx context.Context, req ActionRequest) (SignedTransaction, error)
}

type DisputeReason int

const (
	DisputeItemNotReceived  DisputeReason = 1
	DisputeItemDamaged      DisputeReason = 2
	DisputeItemDoesNotMatch DisputeReason = 3
	DisputeOther            DisputeReason = 99
)

func (r DisputeReason) Valid() bool {
	switch r {
	case DisputeItemNotReceived, DisputeItemDamaged, DisputeItemDoesNotMatch, DisputeOther:
		return true
	default:
		return false
	}
}

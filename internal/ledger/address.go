package ledger

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/tvm/cell"

	"dealescrow/internal/models"
)

// InitParameters — неизменяемые поля сделки, из которых выводится адрес контракта.
type InitParameters struct {
	Customer         models.Address `json:"customer"`
	Buyer            models.Address `json:"buyer"`
	ServiceWallet    models.Address `json:"service_wallet"`
	Arbiter          models.Address `json:"arbiter"`
	ItemPrice        models.Amount  `json:"item_price"`
	BuyerFee         models.Amount  `json:"buyer_fee"`
	ServiceFee       models.Amount  `json:"service_fee"`
	Insurance        models.Amount  `json:"insurance"`
	PurchaseDeadline int64          `json:"purchase_deadline"`
	ShipDeadline     int64          `json:"ship_deadline"`
	ConfirmDeadline  int64          `json:"confirm_deadline"`
	MetadataHash     models.Hash    `json:"metadata_hash"`
}

func InitParametersOf(d *models.Deal) InitParameters {
	return InitParameters{
		Customer:         d.Customer,
		Buyer:            d.Buyer,
		ServiceWallet:    d.ServiceWallet,
		Arbiter:          d.Arbiter,
		ItemPrice:        d.ItemPrice,
		BuyerFee:         d.BuyerFee,
		ServiceFee:       d.ServiceFee,
		Insurance:        d.Insurance,
		PurchaseDeadline: d.PurchaseDeadline.Unix(),
		ShipDeadline:     d.ShipDeadline.Unix(),
		ConfirmDeadline:  d.ConfirmDeadline.Unix(),
		MetadataHash:     d.MetadataHash,
	}
}

// DataCell упаковывает init data контракта в порядке полей хранилища:
// флаг, customer, buyer, service и ссылка на arbiter с суммами и первыми дедлайнами,
// в которой лежит ссылка на confirm deadline и metadata hash.
func (p InitParameters) DataCell() (*cell.Cell, error) {
	parties := make([]*address.Address, 0, 4)
	for _, raw := range []models.Address{p.Customer, p.Buyer, p.ServiceWallet, p.Arbiter} {
		addr, err := ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		parties = append(parties, addr)
	}
	for _, ts := range []int64{p.PurchaseDeadline, p.ShipDeadline, p.ConfirmDeadline} {
		if ts < 0 {
			return nil, fmt.Errorf("Отрицательный дедлайн: %d", ts)
		}
	}

	tail := cell.BeginCell().
		MustStoreUInt(uint64(p.ConfirmDeadline), 64).
		MustStoreSlice(p.MetadataHash[:], 256).
		EndCell()

	// Бюджет доставки есть в хранилище контракта, сервис всегда передаёт 0.
	terms := cell.BeginCell().
		MustStoreAddr(parties[3]).
		MustStoreCoins(uint64(p.ItemPrice)).
		MustStoreCoins(uint64(p.BuyerFee)).
		MustStoreCoins(0).
		MustStoreCoins(uint64(p.ServiceFee)).
		MustStoreCoins(uint64(p.Insurance)).
		MustStoreUInt(uint64(p.PurchaseDeadline), 64).
		MustStoreUInt(uint64(p.ShipDeadline), 64).
		MustStoreRef(tail).
		EndCell()

	return cell.BeginCell().
		MustStoreUInt(0, 1).
		MustStoreAddr(parties[0]).
		MustStoreAddr(parties[1]).
		MustStoreAddr(parties[2]).
		MustStoreRef(terms).
		EndCell(), nil
}

// LoadCode разбирает образ кода контракта: бинарный BOC или он же в base64.
func LoadCode(data []byte) (*cell.Cell, error) {
	code, err := cell.FromBOC(data)
	if err == nil {
		return code, nil
	}
	decoded, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if decodeErr != nil {
		return nil, fmt.Errorf("Некорректный BOC кода контракта: %w", err)
	}
	code, err = cell.FromBOC(decoded)
	if err != nil {
		return nil, fmt.Errorf("Некорректный BOC кода контракта: %w", err)
	}
	return code, nil
}

// ContractAddress — hash ячейки StateInit{code, data}: одинаковые входы дают одинаковый адрес.
func ContractAddress(workchain int32, code *cell.Cell, init InitParameters) (models.Address, error) {
	if code == nil {
		return "", fmt.Errorf("Не задан код контракта.")
	}
	data, err := init.DataCell()
	if err != nil {
		return "", fmt.Errorf("Не удалось собрать init data: %w", err)
	}
	state, err := tlb.ToCell(&tlb.StateInit{Code: code, Data: data})
	if err != nil {
		return "", fmt.Errorf("Не удалось собрать StateInit: %w", err)
	}
	addr := address.NewAddress(0, byte(workchain), state.Hash())
	return models.Address(addr.StringRaw()), nil
}

// ParseAddress принимает адрес в сыром ("0:<hex>") или user-friendly виде.
func ParseAddress(raw models.Address) (*address.Address, error) {
	s := strings.TrimSpace(string(raw))
	var (
		addr *address.Address
		err  error
	)
	if strings.Contains(s, ":") {
		addr, err = address.ParseRawAddr(s)
	} else {
		addr, err = address.ParseAddr(s)
	}
	if err != nil {
		return nil, fmt.Errorf("Некорректный адрес %q: %w", s, err)
	}
	return addr, nil
}

// NormalizeAddress приводит адрес к сырому виду, как его хранит сервис.
// Нераспознанный адрес возвращается без изменений.
func NormalizeAddress(raw models.Address) models.Address {
	addr, err := ParseAddress(raw)
	if err != nil {
		return raw
	}
	return models.Address(addr.StringRaw())
}

// MetadataHash связывает сделку с данными заказа: sha256("<id>-<title>-<created_at>").
func MetadataHash(dealID, title string, createdAt time.Time) models.Hash {
	payload := fmt.Sprintf("%s-%s-%s", dealID, title, createdAt.UTC().Format(time.RFC3339))
	return models.Hash(sha256.Sum256([]byte(payload)))
}

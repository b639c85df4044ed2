package toncenter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"dealescrow/internal/ledger"
	"dealescrow/internal/models"
)

// Код выхода TVM, когда get-метод отсутствует в контракте.
const exitMethodNotFound = 11

var _ ledger.Client = (*Client)(nil)

func (c *Client) Submit(ctx context.Context, tx ledger.SignedTransaction) (string, error) {
	body := map[string]any{
		"boc": tx.Boc,
	}

	var result sendBocResult
	if err := c.doRequest(ctx, http.MethodPost, "sendBocReturnHash", nil, body, &result); err != nil {
		return "", err
	}

	c.logEntry().WithFields(logrus.Fields{
		"deal_id": tx.DealID,
		"kind":    tx.Kind,
		"hash":    result.Hash,
	}).Info("Транзакция отправлена в сеть.")

	return result.Hash, nil
}

func (c *Client) QueryAddress(ctx context.Context, address models.Address) (ledger.AddressInfo, error) {
	params := url.Values{}
	params.Set("address", string(address))

	var result addressInformation
	if err := c.doRequest(ctx, http.MethodGet, "getAddressInformation", params, nil, &result); err != nil {
		return ledger.AddressInfo{}, err
	}

	balance, err := parseUint(result.Balance.String())
	if err != nil {
		return ledger.AddressInfo{}, fmt.Errorf("Некорректный баланс %s: %w", address, err)
	}
	lt, err := parseUint(result.LastTransactionID.LT)
	if err != nil {
		return ledger.AddressInfo{}, fmt.Errorf("Некорректный lt %s: %w", address, err)
	}

	return ledger.AddressInfo{
		Balance:               models.Amount(balance),
		State:                 result.State,
		LastTransactionCursor: lt,
		LastTransactionHash:   result.LastTransactionID.Hash,
	}, nil
}

func (c *Client) QueryMethod(ctx context.Context, address models.Address, method string, args []ledger.StackEntry) ([]ledger.StackEntry, error) {
	stack := make([][]string, 0, len(args))
	for _, arg := range args {
		stack = append(stack, []string{arg.Type, arg.Value})
	}
	body := map[string]any{
		"address": string(address),
		"method":  method,
		"stack":   stack,
	}

	var result runGetMethodResult
	if err := c.doRequest(ctx, http.MethodPost, "runGetMethod", nil, body, &result); err != nil {
		return nil, err
	}

	switch result.ExitCode {
	case 0, 1:
	case exitMethodNotFound:
		return nil, fmt.Errorf("%s у %s: %w", method, address, ledger.ErrMethodNotFound)
	default:
		return nil, &ledger.RejectedError{
			Code:   result.ExitCode,
			Reason: fmt.Sprintf("get-метод %s завершился с exit_code=%d", method, result.ExitCode),
		}
	}

	out := make([]ledger.StackEntry, 0, len(result.Stack))
	for _, item := range result.Stack {
		entry, err := decodeStackEntry(item)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeStackEntry(item []json.RawMessage) (ledger.StackEntry, error) {
	if len(item) != 2 {
		return ledger.StackEntry{}, fmt.Errorf("Некорректный элемент стека: %d полей", len(item))
	}
	var entry ledger.StackEntry
	if err := json.Unmarshal(item[0], &entry.Type); err != nil {
		return ledger.StackEntry{}, fmt.Errorf("Некорректный тип элемента стека: %w", err)
	}
	// Для cell/slice значение — объект, сохраняем его как есть.
	if err := json.Unmarshal(item[1], &entry.Value); err != nil {
		entry.Value = string(item[1])
	}
	return entry, nil
}

func parseUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

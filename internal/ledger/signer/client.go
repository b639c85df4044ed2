package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dealescrow/internal/ledger"
	"dealescrow/internal/logger"
)

// Client обращается к внешнему демону подписи: ключи кошелька сервиса живут только там.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

var _ ledger.Signer = (*Client)(nil)

func New(baseURL, token string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type signResponse struct {
	Boc         string `json:"boc"`
	Destination string `json:"destination"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) SignFunding(ctx context.Context, req ledger.FundingRequest) (ledger.SignedTransaction, error) {
	var resp signResponse
	if err := c.doRequest(ctx, "/v1/sign/funding", req, &resp); err != nil {
		return ledger.SignedTransaction{}, err
	}

	c.logEntry().WithFields(logrus.Fields{
		"deal_id": req.DealID,
		"address": req.ContractAddress,
	}).Debug("Транзакция фондирования подписана.")

	return ledger.SignedTransaction{
		DealID:      req.DealID,
		Kind:        ledger.TxKindFunding,
		Destination: req.ContractAddress,
		Boc:         resp.Boc,
	}, nil
}

func (c *Client) SignAction(ctx context.Context, req ledger.ActionRequest) (ledger.SignedTransaction, error) {
	var resp signResponse
	if err := c.doRequest(ctx, "/v1/sign/action", req, &resp); err != nil {
		return ledger.SignedTransaction{}, err
	}

	c.logEntry().WithFields(logrus.Fields{
		"deal_id": req.DealID,
		"action":  req.Action,
	}).Debug("Транзакция действия подписана.")

	return ledger.SignedTransaction{
		DealID:      req.DealID,
		Kind:        ledger.TxKindAction,
		Destination: req.ContractAddress,
		Boc:         resp.Boc,
	}, nil
}

func (c *Client) doRequest(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ledger.NetworkError{Op: "sign", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ledger.NetworkError{Op: "sign", Err: err}
	}

	if resp.StatusCode >= 500 {
		return &ledger.NetworkError{Op: "sign", Err: fmt.Errorf("Неуспешный статус: %s", resp.Status)}
	}
	if resp.StatusCode >= 400 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("Сервис подписи отказал (%s): %s", resp.Status, e.Error)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("Не удалось разобрать ответ: %w", err)
	}
	return nil
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("signer")
}

package toncenter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"dealescrow/internal/ledger"
)

// doRequest выполняет вызов API v2 и разбирает конверт {ok, result, error, code}.
// Транспортные сбои, 429 и 5xx возвращаются как *ledger.NetworkError,
// отказ с ok=false как *ledger.RejectedError.
func (c *Client) doRequest(ctx context.Context, method, apiMethod string, params url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ledger.NetworkError{Op: apiMethod, Err: err}
	}

	started := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(apiMethod, time.Since(started))
		}
	}()

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	urlStr := c.baseURL + "/" + apiMethod
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ledger.NetworkError{Op: apiMethod, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ledger.NetworkError{Op: apiMethod, Err: fmt.Errorf("Не удалось прочитать ответ: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.logEntry().WithFields(logrus.Fields{
			"method": apiMethod,
			"status": resp.StatusCode,
		}).Warn("TonCenter временно недоступен.")
		return &ledger.NetworkError{Op: apiMethod, Err: fmt.Errorf("Неуспешный статус: %s", resp.Status)}
	}

	var envelope tonResponse[json.RawMessage]
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("Не удалось разобрать ответ: %w", err)
	}

	if !envelope.OK {
		code := envelope.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return &ledger.RejectedError{Code: code, Reason: envelope.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("Не удалось разобрать result %s: %w", apiMethod, err)
	}
	return nil
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("toncenter")
}

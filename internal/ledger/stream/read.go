package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"dealescrow/internal/ledger"
	"dealescrow/internal/models"
)

func (w *Client) readLoop() {
	w.logEntry().Debug("readLoop запущен.")
	defer close(w.events)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.writeMu.Lock()
		conn := w.conn
		w.writeMu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")

			if !w.reconnect() {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		switch msg.Type {
		case "transactions":
			w.handleTransactions(msg)
		default:
			if msg.Status != "" {
				w.logEntry().WithField("status", msg.Status).Debug("Ответ на подписку.")
			}
		}
	}
}

func (w *Client) handleTransactions(msg Message) {
	var data []struct {
		Account string `json:"account"`
		LT      string `json:"lt"`
		Hash    string `json:"hash"`
	}

	if err := json.Unmarshal(msg.Transactions, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать transactions.")
		return
	}

	for _, item := range data {
		lt, err := strconv.ParseUint(item.LT, 10, 64)
		if err != nil {
			w.logEntry().WithError(err).WithField("lt", item.LT).Warn("Некорректный lt в уведомлении.")
			continue
		}

		w.logEntry().WithFields(map[string]interface{}{
			"address": item.Account,
			"lt":      lt,
			"hash":    item.Hash,
		}).Debug("transaction")

		w.emit(Event{
			Type:    EventTypeTransaction,
			Address: ledger.NormalizeAddress(models.Address(item.Account)),
			Cursor:  lt,
			Hash:    item.Hash,
		})
	}
}

func (w *Client) emit(evt Event) bool {
	select {
	case w.events <- evt:
		return true
	case <-w.stopCh:
		return false
	}
}

func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		w.logEntry().Info("Попытка переподключения к WS.")

		timer := time.NewTimer(backoff)
		select {
		case <-w.stopCh:
			timer.Stop()
			return false
		case <-timer.C:
		}

		conn, err := w.dial(context.Background())
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.writeMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.conn = conn
		w.writeMu.Unlock()

		if err := w.resubscribe(); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		if !w.emit(Event{Type: EventTypeReconnect}) {
			return false
		}
		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}

package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dealescrow/internal/logger"
	"dealescrow/internal/models"
)

func New(url, apiKey string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		apiKey:       apiKey,
		log:          log,
		events:       make(chan Event, 100),
		stopCh:       make(chan struct{}),
		addresses:    map[models.Address]struct{}{},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

func (w *Client) Connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к потоку уведомлений.")

	conn, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}
	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()

	if err := w.resubscribe(); err != nil {
		_ = conn.Close()
		return err
	}

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop()

	return nil
}

func (w *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.apiKey != "" {
		header.Set("X-API-Key", w.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(2 << 20)
	return conn, nil
}

// Subscribe добавляет адреса в подписку; после переподключения подписка восстанавливается.
func (w *Client) Subscribe(addresses ...models.Address) error {
	var added []string
	w.addrMu.Lock()
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, ok := w.addresses[addr]; ok {
			continue
		}
		w.addresses[addr] = struct{}{}
		added = append(added, string(addr))
	}
	w.addrMu.Unlock()

	if len(added) == 0 {
		return nil
	}
	return w.send(SubscribeMessage{Operation: "subscribe", Addresses: added, Types: []string{"transactions"}})
}

func (w *Client) resubscribe() error {
	w.addrMu.Lock()
	all := make([]string, 0, len(w.addresses))
	for addr := range w.addresses {
		all = append(all, string(addr))
	}
	w.addrMu.Unlock()

	if len(all) == 0 {
		return nil
	}
	return w.send(SubscribeMessage{Operation: "subscribe", Addresses: all, Types: []string{"transactions"}})
}

func (w *Client) send(msg any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	// До Connect адреса только запоминаются.
	if w.conn == nil {
		return nil
	}
	if err := w.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("Не удалось отправить подписку: %w", err)
	}
	return nil
}

func (w *Client) Events() <-chan Event {
	return w.events
}

func (w *Client) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("ledger_stream")
}

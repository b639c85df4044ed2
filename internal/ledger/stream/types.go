package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dealescrow/internal/logger"
	"dealescrow/internal/models"
)

type EventType string

const (
	EventTypeTransaction EventType = "Transaction"
	EventTypeReconnect   EventType = "Reconnect"
)

// Event — уведомление о новой транзакции по адресу контракта.
// После Reconnect часть уведомлений могла быть потеряна.
type Event struct {
	Type    EventType
	Address models.Address
	Cursor  uint64
	Hash    string
}

type Client struct {
	url          string
	apiKey       string
	log          *logger.Logger
	conn         *websocket.Conn
	writeMu      sync.Mutex
	events       chan Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	addrMu       sync.Mutex
	addresses    map[models.Address]struct{}
	reconnectMin time.Duration
	reconnectMax time.Duration
}

type Message struct {
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Transactions json.RawMessage `json:"transactions"`
}

type SubscribeMessage struct {
	Operation string   `json:"operation"`
	Addresses []string `json:"addresses"`
	Types     []string `json:"types"`
}

package toncenter

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dealescrow/internal/logger"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Запросов в секунду; бесплатный ключ TonCenter даёт 1 rps, с ключом 10.
	RPS float64
}

// Observer получает длительность каждого запроса к API.
type Observer func(method string, elapsed time.Duration)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
	observe    Observer
}

func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

func (c *Client) SetObserver(observe Observer) {
	c.observe = observe
}


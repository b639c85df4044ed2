package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dealescrow/internal/escrow"
	"dealescrow/internal/models"
)

type Config struct {
	Ledger  LedgerConfig
	Signer  SignerConfig
	Escrow  EscrowConfig
	Engine  EngineConfig
	Storage StorageConfig
	API     APIConfig
	Runtime RuntimeConfig
}

type LedgerConfig struct {
	BaseURL   string
	APIKey    string
	StreamURL string
	Timeout   time.Duration
	RPS       float64
	Workchain int32
	CodePath  string
}

type SignerConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type EscrowConfig struct {
	ServiceWallet models.Address
	Arbiter       models.Address
	Payout        escrow.Policy
}

type EngineConfig struct {
	SubmitTimeout       time.Duration
	SubmitAttempts      int
	RetryBackoff        time.Duration
	DeployPollAttempts  int
	DeployPollInterval  time.Duration
	PendingTTL          time.Duration
	SyncInterval        time.Duration
	TimeoutInterval     time.Duration
	ConfirmActions      bool
	ConfirmPollAttempts int
	MutateAttempts      int
}

type StorageConfig struct {
	DSN string
}

type APIConfig struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RuntimeConfig struct {
	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Load читает configs/config.yaml (или файл из ESCROWD_CONFIG) и переменные окружения ESCROWD_*.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("ESCROWD_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	v.SetEnvPrefix("ESCROWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Не удалось прочитать конфиг: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.base_url", "https://toncenter.com/api/v2")
	v.SetDefault("ledger.timeout", "15s")
	v.SetDefault("ledger.rps", 1)
	v.SetDefault("ledger.workchain", 0)

	v.SetDefault("signer.timeout", "10s")

	v.SetDefault("escrow.payout.completed.item", "buyer")
	v.SetDefault("escrow.payout.completed.buyer_fee", "buyer")
	v.SetDefault("escrow.payout.completed.service_fee", "service")
	v.SetDefault("escrow.payout.completed.insurance", "buyer")
	v.SetDefault("escrow.payout.cancelled_refund_customer.item", "customer")
	v.SetDefault("escrow.payout.cancelled_refund_customer.buyer_fee", "customer")
	v.SetDefault("escrow.payout.cancelled_refund_customer.service_fee", "service")
	v.SetDefault("escrow.payout.cancelled_refund_customer.insurance", "customer")
	v.SetDefault("escrow.payout.cancelled_pay_buyer.item", "buyer")
	v.SetDefault("escrow.payout.cancelled_pay_buyer.buyer_fee", "buyer")
	v.SetDefault("escrow.payout.cancelled_pay_buyer.service_fee", "service")
	v.SetDefault("escrow.payout.cancelled_pay_buyer.insurance", "customer")

	v.SetDefault("engine.submit_timeout", "20s")
	v.SetDefault("engine.submit_attempts", 5)
	v.SetDefault("engine.retry_backoff", "1s")
	v.SetDefault("engine.deploy_poll_attempts", 20)
	v.SetDefault("engine.deploy_poll_interval", "3s")
	v.SetDefault("engine.pending_ttl", "5m")
	v.SetDefault("engine.sync_interval", "1m")
	v.SetDefault("engine.timeout_interval", "5m")
	v.SetDefault("engine.confirm_actions", false)
	v.SetDefault("engine.confirm_poll_attempts", 10)
	v.SetDefault("engine.mutate_attempts", 5)

	v.SetDefault("storage.dsn", "data/escrow.db")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")

	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.max_size", 100)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 30)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Ledger = LedgerConfig{
		BaseURL:   v.GetString("ledger.base_url"),
		APIKey:    envSub(v, "ledger.api_key"),
		StreamURL: v.GetString("ledger.stream_url"),
		Timeout:   v.GetDuration("ledger.timeout"),
		RPS:       v.GetFloat64("ledger.rps"),
		Workchain: v.GetInt32("ledger.workchain"),
		CodePath:  v.GetString("ledger.code_path"),
	}

	cfg.Signer = SignerConfig{
		URL:     v.GetString("signer.url"),
		Token:   envSub(v, "signer.token"),
		Timeout: v.GetDuration("signer.timeout"),
	}

	policy, err := payoutPolicy(v)
	if err != nil {
		return nil, err
	}
	cfg.Escrow = EscrowConfig{
		ServiceWallet: models.Address(envSub(v, "escrow.service_wallet")),
		Arbiter:       models.Address(envSub(v, "escrow.arbiter")),
		Payout:        policy,
	}

	cfg.Engine = EngineConfig{
		SubmitTimeout:       v.GetDuration("engine.submit_timeout"),
		SubmitAttempts:      v.GetInt("engine.submit_attempts"),
		RetryBackoff:        v.GetDuration("engine.retry_backoff"),
		DeployPollAttempts:  v.GetInt("engine.deploy_poll_attempts"),
		DeployPollInterval:  v.GetDuration("engine.deploy_poll_interval"),
		PendingTTL:          v.GetDuration("engine.pending_ttl"),
		SyncInterval:        v.GetDuration("engine.sync_interval"),
		TimeoutInterval:     v.GetDuration("engine.timeout_interval"),
		ConfirmActions:      v.GetBool("engine.confirm_actions"),
		ConfirmPollAttempts: v.GetInt("engine.confirm_poll_attempts"),
		MutateAttempts:      v.GetInt("engine.mutate_attempts"),
	}

	cfg.Storage = StorageConfig{
		DSN: envSub(v, "storage.dsn"),
	}

	cfg.API = APIConfig{
		Listen:       v.GetString("api.listen"),
		ReadTimeout:  v.GetDuration("api.read_timeout"),
		WriteTimeout: v.GetDuration("api.write_timeout"),
	}

	cfg.Runtime = RuntimeConfig{
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func payoutPolicy(v *viper.Viper) (escrow.Policy, error) {
	var policy escrow.Policy
	for key, dst := range map[string]*escrow.Route{
		"completed":                 &policy.Completed,
		"cancelled_refund_customer": &policy.CancelledRefundCustomer,
		"cancelled_pay_buyer":       &policy.CancelledPayBuyer,
	} {
		for field, role := range map[string]*models.Role{
			"item":        &dst.Item,
			"buyer_fee":   &dst.BuyerFee,
			"service_fee": &dst.ServiceFee,
			"insurance":   &dst.Insurance,
		} {
			parsed, err := models.ParseRole(v.GetString("escrow.payout." + key + "." + field))
			if err != nil {
				return escrow.Policy{}, fmt.Errorf("escrow.payout.%s.%s: %w", key, field, err)
			}
			*role = parsed
		}
	}
	return policy, nil
}

func (c *Config) Validate() error {
	if err := c.Escrow.Payout.Validate(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"engine.submit_timeout":       c.Engine.SubmitTimeout,
		"engine.retry_backoff":        c.Engine.RetryBackoff,
		"engine.deploy_poll_interval": c.Engine.DeployPollInterval,
		"engine.pending_ttl":          c.Engine.PendingTTL,
		"engine.sync_interval":        c.Engine.SyncInterval,
		"engine.timeout_interval":     c.Engine.TimeoutInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("Некорректное значение %s: %s", name, d)
		}
	}
	if c.Engine.SubmitAttempts <= 0 || c.Engine.DeployPollAttempts <= 0 {
		return fmt.Errorf("Число попыток отправки и опроса должно быть положительным.")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("Не задан storage.dsn.")
	}
	return nil
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Trading   TradingConfig   `yaml:"trading"`
	ReadRetry ReadRetryConfig `yaml:"read_retry"`
	Signer    SignerConfig    `yaml:"signer"`
	Server    ServerConfig    `yaml:"server"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Journal   JournalConfig   `yaml:"journal"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// IsMainnet reports whether the configured exchange endpoint is mainnet.
func (c RESTConfig) IsMainnet() bool {
	return !strings.Contains(strings.ToLower(c.BaseURL), "testnet")
}

type WSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMidAge      time.Duration `yaml:"max_mid_age"`
}

const (
	StateBackendSQLite = "sqlite"
	StateBackendRedis  = "redis"
)

type StateConfig struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TradingConfig struct {
	Asset        string        `yaml:"asset"`
	SlippageBps  float64       `yaml:"slippage_bps"`
	MinSizeUSD   float64       `yaml:"min_size_usd"`
	MaxSizeUSD   float64       `yaml:"max_size_usd"`
	MinMarginUSD float64       `yaml:"min_margin_usd"`
	MaxLeverage  int           `yaml:"max_leverage"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	CrossMargin  bool          `yaml:"cross_margin"`
	Builder      BuilderConfig `yaml:"builder"`
}

type BuilderConfig struct {
	Address string `yaml:"address"`
	// Fee is expressed in tenths of a basis point.
	Fee int `yaml:"fee"`
}

type ReadRetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	Factor    float64       `yaml:"factor"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

const (
	SignerModeLocal  = "local"
	SignerModeRemote = "remote"
)

type SignerConfig struct {
	Mode      string        `yaml:"mode"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int64         `yaml:"cache_size"`
	Address   string        `yaml:"address"`
}

type ServerConfig struct {
	Address       string `yaml:"address"`
	WebhookAPIKey string `yaml:"webhook_api_key"`
}

type TelegramConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Token        string        `yaml:"token"`
	ChatEnabled  bool          `yaml:"chat_enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MonitorConfig struct {
	Enabled              bool          `yaml:"enabled"`
	LiquidationInterval  time.Duration `yaml:"liquidation_interval"`
	LiquidationThreshold float64       `yaml:"liquidation_threshold"`
	AlertCooldown        time.Duration `yaml:"alert_cooldown"`
	DigestInterval       time.Duration `yaml:"digest_interval"`
	SendDelay            time.Duration `yaml:"send_delay"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	cfg.REST.BaseURL = strings.TrimRight(cfg.REST.BaseURL, "/")
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 30 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = wsURLFromREST(cfg.REST.BaseURL)
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.WS.MaxMidAge == 0 {
		cfg.WS.MaxMidAge = 5 * time.Second
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = StateBackendSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-chat-trader.db"
	}
	if cfg.State.RedisAddr == "" {
		cfg.State.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.Trading.Asset == "" {
		cfg.Trading.Asset = "xyz:GOLD"
	}
	if cfg.Trading.SlippageBps == 0 {
		cfg.Trading.SlippageBps = 100
	}
	if cfg.Trading.MinSizeUSD == 0 {
		cfg.Trading.MinSizeUSD = 10
	}
	if cfg.Trading.MaxSizeUSD == 0 {
		cfg.Trading.MaxSizeUSD = 100000
	}
	if cfg.Trading.MinMarginUSD == 0 {
		cfg.Trading.MinMarginUSD = 10
	}
	if cfg.Trading.MaxLeverage == 0 {
		cfg.Trading.MaxLeverage = 20
	}
	if cfg.Trading.SessionTTL == 0 {
		cfg.Trading.SessionTTL = 30 * time.Minute
	}
	if cfg.Trading.Builder.Address != "" && cfg.Trading.Builder.Fee == 0 {
		cfg.Trading.Builder.Fee = 100
	}
	if cfg.ReadRetry.Attempts == 0 {
		cfg.ReadRetry.Attempts = 3
	}
	if cfg.ReadRetry.BaseDelay == 0 {
		cfg.ReadRetry.BaseDelay = time.Second
	}
	if cfg.ReadRetry.Factor == 0 {
		cfg.ReadRetry.Factor = 2
	}
	if cfg.ReadRetry.MaxJitter == 0 {
		cfg.ReadRetry.MaxJitter = time.Second
	}
	if cfg.Signer.Mode == "" {
		cfg.Signer.Mode = SignerModeLocal
	}
	if cfg.Signer.Timeout == 0 {
		cfg.Signer.Timeout = 30 * time.Second
	}
	if cfg.Signer.CacheSize == 0 {
		cfg.Signer.CacheSize = 1024
	}
	if cfg.Signer.Address == "" {
		cfg.Signer.Address = "127.0.0.1:8081"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:8080"
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 3 * time.Second
	}
	if cfg.Monitor.LiquidationInterval == 0 {
		cfg.Monitor.LiquidationInterval = time.Minute
	}
	if cfg.Monitor.LiquidationThreshold == 0 {
		cfg.Monitor.LiquidationThreshold = 0.05
	}
	if cfg.Monitor.AlertCooldown == 0 {
		cfg.Monitor.AlertCooldown = 30 * time.Minute
	}
	if cfg.Monitor.DigestInterval == 0 {
		cfg.Monitor.DigestInterval = 24 * time.Hour
	}
	if cfg.Monitor.SendDelay == 0 {
		cfg.Monitor.SendDelay = 100 * time.Millisecond
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"HL_TELEGRAM_TOKEN", &cfg.Telegram.Token},
		{"HL_WEBHOOK_API_KEY", &cfg.Server.WebhookAPIKey},
		{"HL_SIGNER_API_KEY", &cfg.Signer.APIKey},
		{"HL_POSTGRES_DSN", &cfg.Postgres.DSN},
		{"HL_REDIS_PASSWORD", &cfg.State.RedisPassword},
		{"HL_TRADING_ASSET", &cfg.Trading.Asset},
	}
	for _, o := range overrides {
		if val, ok := os.LookupEnv(o.env); ok && strings.TrimSpace(val) != "" {
			*o.target = strings.TrimSpace(val)
		}
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Trading.Asset) == "" {
		return errors.New("trading.asset is required")
	}
	if cfg.Trading.SlippageBps < 0 || cfg.Trading.SlippageBps >= 10000 {
		return errors.New("trading.slippage_bps must be in [0, 10000)")
	}
	if cfg.Trading.MinSizeUSD <= 0 {
		return errors.New("trading.min_size_usd must be > 0")
	}
	if cfg.Trading.MaxSizeUSD < cfg.Trading.MinSizeUSD {
		return errors.New("trading.max_size_usd must be >= trading.min_size_usd")
	}
	if cfg.Trading.MaxLeverage < 1 {
		return errors.New("trading.max_leverage must be >= 1")
	}
	if cfg.Trading.Builder.Fee < 0 {
		return errors.New("trading.builder.fee must be >= 0")
	}
	if cfg.ReadRetry.Attempts < 1 {
		return errors.New("read_retry.attempts must be >= 1")
	}
	switch cfg.State.Backend {
	case StateBackendSQLite, StateBackendRedis:
	default:
		return fmt.Errorf("state.backend %q is not supported", cfg.State.Backend)
	}
	switch cfg.Signer.Mode {
	case SignerModeLocal:
	case SignerModeRemote:
		if strings.TrimSpace(cfg.Signer.URL) == "" {
			return errors.New("signer.url is required when signer.mode is remote")
		}
	default:
		return fmt.Errorf("signer.mode %q is not supported", cfg.Signer.Mode)
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required when telegram is enabled")
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn is required when journal is enabled")
	}
	if cfg.Monitor.LiquidationThreshold < 0 || cfg.Monitor.LiquidationThreshold >= 1 {
		return errors.New("monitor.liquidation_threshold must be in [0, 1)")
	}
	return nil
}

func wsURLFromREST(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return "wss://api.hyperliquid.xyz/ws"
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selectors.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"

	DocRedis  = "redis"
	DocMemory = "memory"

	PushWhatsApp = "whatsapp"
	PushHTTP     = "http"
	PushNone     = "none"
)

// Config aggregates application configuration values read from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	StoreBackend     string
	DatabaseURL      string
	DatabaseSchema   string
	SQLitePath       string
	FeedPollInterval time.Duration

	DocBackend    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	RedisLockTTL  time.Duration

	PushBackend       string
	PushTimeout       time.Duration
	PushGatewayURL    string
	PushGatewayAPIKey string
	WhatsAppStorePath string
	WhatsAppLogLevel  string
	OperatorJID       string

	CurrencyLabel      string
	CreditAttempts     int
	OperationTimeout   time.Duration
	FeedChime          bool
	FeedReconnectMin   time.Duration
	FeedReconnectMax   time.Duration
	FeedReplayLookback time.Duration
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:           valueOrDefault("APP_ENV", "development"),
		LogLevel:         valueOrDefault("LOG_LEVEL", "info"),
		LogFormat:        valueOrDefault("LOG_FORMAT", "text"),
		HTTPListenAddr:   valueOrDefault("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   os.Getenv("PUBLIC_BASE_PATH"),
		MetricsNamespace: valueOrDefault("METRICS_NAMESPACE", "topup"),

		StoreBackend:   strings.ToLower(valueOrDefault("STORE_BACKEND", StorePostgres)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: os.Getenv("DATABASE_SCHEMA"),
		SQLitePath:     valueOrDefault("SQLITE_PATH", "data/requests.db"),

		DocBackend:    strings.ToLower(valueOrDefault("DOC_BACKEND", DocRedis)),
		RedisAddr:     valueOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisTLS:      parseBoolWithDefault("REDIS_TLS", false),

		PushBackend:       strings.ToLower(valueOrDefault("PUSH_BACKEND", PushNone)),
		PushGatewayURL:    os.Getenv("PUSH_GATEWAY_URL"),
		PushGatewayAPIKey: os.Getenv("PUSH_GATEWAY_API_KEY"),
		WhatsAppStorePath: valueOrDefault("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
		WhatsAppLogLevel:  valueOrDefault("WHATSAPP_LOG_LEVEL", "INFO"),
		OperatorJID:       os.Getenv("OPERATOR_JID"),

		CurrencyLabel: valueOrDefault("CURRENCY_LABEL", "Rp"),
		FeedChime:     parseBoolWithDefault("FEED_CHIME", true),
	}

	var err error
	if cfg.RedisDB, err = parseInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.CreditAttempts, err = parseInt("CREDIT_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"FEED_POLL_INTERVAL", 2 * time.Second, &cfg.FeedPollInterval},
		{"REDIS_LOCK_TTL", 10 * time.Second, &cfg.RedisLockTTL},
		{"PUSH_TIMEOUT", 10 * time.Second, &cfg.PushTimeout},
		{"OPERATION_TIMEOUT", 30 * time.Second, &cfg.OperationTimeout},
		{"FEED_RECONNECT_MIN", time.Second, &cfg.FeedReconnectMin},
		{"FEED_RECONNECT_MAX", 30 * time.Second, &cfg.FeedReconnectMax},
		{"FEED_REPLAY_LOOKBACK", 0, &cfg.FeedReplayLookback},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store backend %q", c.StoreBackend)
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for store backend %q", c.StoreBackend)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.DocBackend {
	case DocRedis, DocMemory:
	default:
		return fmt.Errorf("unsupported DOC_BACKEND %q", c.DocBackend)
	}

	switch c.PushBackend {
	case PushHTTP:
		if c.PushGatewayURL == "" {
			return fmt.Errorf("PUSH_GATEWAY_URL is required for push backend %q", c.PushBackend)
		}
	case PushWhatsApp, PushNone:
	default:
		return fmt.Errorf("unsupported PUSH_BACKEND %q", c.PushBackend)
	}

	if c.CreditAttempts <= 0 {
		return fmt.Errorf("CREDIT_ATTEMPTS must be positive, got %d", c.CreditAttempts)
	}
	if c.FeedReconnectMax < c.FeedReconnectMin {
		return fmt.Errorf("FEED_RECONNECT_MAX (%s) is below FEED_RECONNECT_MIN (%s)", c.FeedReconnectMax, c.FeedReconnectMin)
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

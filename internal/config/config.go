// Package config loads and validates all runtime configuration.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml in the working directory; environment
// variables take precedence. A .env file, when present, is loaded first.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// DatabaseDSN is the SQLite path (or ":memory:"). The process exits
	// non-zero when the store cannot be opened or migrated.
	DatabaseDSN string

	// RedisURL enables the Redis fast cache tier and the rate limiter.
	// Empty falls back to the in-process fast tier with rate limiting
	// disabled.
	RedisURL string

	// EncryptionKey is the hex-encoded 32-byte AES key sealing tenant
	// provider credentials. Required.
	EncryptionKey []byte

	// APIKeySalt salts tenant API key hashes. Required.
	APIKeySalt string

	// ProviderTimeout is the per-upstream-call timeout. Default: 30s.
	ProviderTimeout time.Duration

	// PipelineTimeout bounds the whole dispatch (all attempts). Default: 35s.
	PipelineTimeout time.Duration

	// FastCacheTTL is the fast-tier TTL for fresh inserts. Default: 1h.
	FastCacheTTL time.Duration

	// CacheTTLHours is the durable-tier TTL recorded on new entries.
	// Default: 24.
	CacheTTLHours int

	// CacheExcludeExact / CacheExcludePatterns bypass caching for matching
	// model names.
	CacheExcludeExact    []string
	CacheExcludePatterns []string

	// SchedulerInterval is the alert evaluation period. Default: 15m.
	SchedulerInterval time.Duration

	// Ledger flush tuning.
	LedgerQueueSize     int
	LedgerBatchSize     int
	LedgerFlushInterval time.Duration
	LedgerDrainTimeout  time.Duration

	// ShutdownGrace is how long in-flight requests get on shutdown.
	ShutdownGrace time.Duration

	// SMTP configures the email alert channel. Empty host disables it.
	SMTP SMTPConfig

	// CircuitBreaker tuning.
	CircuitBreaker CircuitBreakerConfig

	// CORSOrigins is the allowed origin list; ["*"] allows any.
	CORSOrigins []string

	// Per-provider base URL overrides, for mocks and regional endpoints.
	OpenAIBaseURL    string
	AnthropicBaseURL string
	MistralBaseURL   string
	GroqBaseURL      string
	GeminiBaseURL    string
}

// SMTPConfig holds the email transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// CircuitBreakerConfig holds per-provider breaker thresholds.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// Load reads configuration and validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DSN", "cognitude.db")

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("PIPELINE_TIMEOUT", "35s")

	v.SetDefault("FAST_CACHE_TTL", "1h")
	v.SetDefault("CACHE_TTL_HOURS", 24)

	v.SetDefault("SCHEDULER_INTERVAL", "15m")

	v.SetDefault("LEDGER_QUEUE_SIZE", 1000)
	v.SetDefault("LEDGER_BATCH_SIZE", 100)
	v.SetDefault("LEDGER_FLUSH_INTERVAL", "500ms")
	v.SetDefault("LEDGER_DRAIN_TIMEOUT", "5s")

	v.SetDefault("SHUTDOWN_GRACE", "10s")

	v.SetDefault("SMTP_PORT", 587)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build ─────────────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseDSN: v.GetString("DATABASE_DSN"),
		RedisURL:    v.GetString("REDIS_URL"),
		APIKeySalt:  v.GetString("API_KEY_SALT"),

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		PipelineTimeout: v.GetDuration("PIPELINE_TIMEOUT"),

		FastCacheTTL:  v.GetDuration("FAST_CACHE_TTL"),
		CacheTTLHours: v.GetInt("CACHE_TTL_HOURS"),

		CacheExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
		CacheExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),

		SchedulerInterval: v.GetDuration("SCHEDULER_INTERVAL"),

		LedgerQueueSize:     v.GetInt("LEDGER_QUEUE_SIZE"),
		LedgerBatchSize:     v.GetInt("LEDGER_BATCH_SIZE"),
		LedgerFlushInterval: v.GetDuration("LEDGER_FLUSH_INTERVAL"),
		LedgerDrainTimeout:  v.GetDuration("LEDGER_DRAIN_TIMEOUT"),

		ShutdownGrace: v.GetDuration("SHUTDOWN_GRACE"),

		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetInt("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
		AnthropicBaseURL: v.GetString("ANTHROPIC_BASE_URL"),
		MistralBaseURL:   v.GetString("MISTRAL_BASE_URL"),
		GroqBaseURL:      v.GetString("GROQ_BASE_URL"),
		GeminiBaseURL:    v.GetString("GEMINI_BASE_URL"),
	}

	rawKey := v.GetString("ENCRYPTION_KEY")
	if rawKey != "" {
		key, err := hex.DecodeString(rawKey)
		if err != nil {
			return nil, fmt.Errorf("config: ENCRYPTION_KEY must be hex: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.DatabaseDSN == "" {
		return fmt.Errorf("config: DATABASE_DSN is required")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("config: ENCRYPTION_KEY must be 64 hex characters (32 bytes), got %d bytes", len(c.EncryptionKey))
	}
	if c.APIKeySalt == "" {
		return fmt.Errorf("config: API_KEY_SALT is required")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be positive")
	}
	if c.PipelineTimeout < c.ProviderTimeout {
		return fmt.Errorf("config: PIPELINE_TIMEOUT must be at least PROVIDER_TIMEOUT")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("config: SCHEDULER_INTERVAL must be positive")
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}

	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("config: SMTP_FROM is required when SMTP_HOST is set")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

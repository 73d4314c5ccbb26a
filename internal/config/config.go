package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	ProviderOpenAI = "openai"
	ProviderMock   = "mock"

	defaultKeyID = "default"
)

var (
	ErrMissingJWTSecret     = errors.New("JWT_SECRET is required")
	ErrWeakJWTSecret        = errors.New("JWT_SECRET must be at least 24 characters in production")
	ErrMissingBotToken      = errors.New("BOT_TOKEN is required in production")
	ErrMissingEncryptionKey = errors.New("CHAT_ENCRYPTION_KEY is required in production")
	ErrMissingWebhookSecret = errors.New("WEBHOOK_SECRET is required in production")
	ErrMissingModelKey      = errors.New("OPENAI_API_KEY is required in production")
	ErrMockAuthInProduction = errors.New("ALLOW_MOCK_AUTH must not be enabled in production")
	ErrMissingDatabaseDSN   = errors.New("DB_DSN is required")
	ErrInvalidKeyLength     = errors.New("encryption key must decode to 32 bytes")
)

type Config struct {
	AppEnv string
	// Hardened is set for APP_ENV=production or ENFORCE_ENV=1.
	Hardened bool

	BotToken      string
	WebAppURL     string
	AllowMockAuth bool
	BypassQuota   bool

	HTTP     HTTPConfig
	Auth     AuthConfig
	Payments PaymentsConfig
	Quota    QuotaConfig
	Model    ModelConfig
	Redis    RedisConfig
	Rate     RateConfig
	DB       DBConfig
	Crypto   CryptoConfig
	Log      LogConfig

	// Warnings collects non-fatal problems found while loading.
	Warnings []string
}

// HTTPConfig controls the listener. TrustProxy takes the client address from
// X-Forwarded-For / X-Real-IP and must only be set behind a proxy that
// overwrites those headers.
type HTTPConfig struct {
	ListenAddr        string
	BasePath          string
	AllowedOrigins    []string
	HealthPath        string
	MetricsPath       string
	TrustProxy        bool
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	TokenTTL       time.Duration
	InitDataMaxAge time.Duration
}

type PaymentsConfig struct {
	WebhookSecret string
	InvoiceTitle  string
	PriceLabel    string
	Currency      string
}

type QuotaConfig struct {
	FreeDailyTokens int64
	PaidDailyTokens int64
	ResetWindow     time.Duration
}

type ModelConfig struct {
	Provider        string
	BaseURL         string
	APIKey          string
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
	MaxInputTokens  int
	Temperature     float64
	PriceInput      float64
	PriceOutput     float64
	Timeout         time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	MockDelay       time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	UpdateTTL time.Duration
}

type RateRule struct {
	Limit  int64
	Window time.Duration
}

type RateConfig struct {
	General RateRule
	Chat    RateRule
	Auth    RateRule
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
	// Ephemeral marks a random key generated because none was configured.
	Ephemeral bool
	// RotateOnRead reseals messages under the current key when they are read.
	RotateOnRead bool
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	appEnv := strings.ToLower(mustEnv("APP_ENV", mustEnv("NODE_ENV", EnvDevelopment)))
	cfg := &Config{
		AppEnv:        appEnv,
		Hardened:      appEnv == EnvProduction || mustBool("ENFORCE_ENV", false),
		BotToken:      mustEnv("BOT_TOKEN", ""),
		WebAppURL:     mustEnv("WEBAPP_URL", ""),
		AllowMockAuth: mustBool("ALLOW_MOCK_AUTH", false),
		BypassQuota:   mustBool("BYPASS_QUOTA", false),
		HTTP: HTTPConfig{
			ListenAddr:        mustEnv("LISTEN_ADDR", ":"+mustEnv("PORT", "3001")),
			BasePath:          normalizeBasePath(envOr("API_BASE_PATH", "/api")),
			AllowedOrigins:    splitList(mustEnv("ORIGIN", "http://localhost:5173")),
			HealthPath:        mustEnv("HEALTH_PATH", "/health"),
			MetricsPath:       mustEnv("METRICS_PATH", "/metrics"),
			TrustProxy:        mustBool("TRUST_PROXY", false),
			ReadHeaderTimeout: mustDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			ShutdownTimeout:   mustDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:      mustEnv("JWT_SECRET", ""),
			TokenTTL:       clampDuration(mustDuration("JWT_TTL", 5*time.Minute), time.Minute, 15*time.Minute),
			InitDataMaxAge: mustDuration("INIT_DATA_MAX_AGE", 300*time.Second),
		},
		Payments: PaymentsConfig{
			WebhookSecret: mustEnv("WEBHOOK_SECRET", ""),
			InvoiceTitle:  mustEnv("INVOICE_TITLE", "AI Chat Credits"),
			PriceLabel:    mustEnv("INVOICE_PRICE_LABEL", "Credits"),
			Currency:      "XTR",
		},
		Quota: QuotaConfig{
			FreeDailyTokens: mustInt64("FREE_DAILY_TOKENS", 1000),
			PaidDailyTokens: mustInt64("PAID_DAILY_TOKENS", 10000),
			ResetWindow:     mustDuration("QUOTA_RESET_WINDOW", 24*time.Hour),
		},
		Model: ModelConfig{
			Provider:        strings.ToLower(mustEnv("MODEL_PROVIDER", ProviderOpenAI)),
			BaseURL:         mustEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:          mustEnv("OPENAI_API_KEY", ""),
			Model:           mustEnv("OPENAI_MODEL", "gpt-4o-mini"),
			SystemPrompt:    mustEnv("MODEL_SYSTEM_PROMPT", ""),
			MaxOutputTokens: mustInt("MODEL_MAX_OUTPUT_TOKENS", 700),
			MaxInputTokens:  mustInt("MODEL_MAX_INPUT_TOKENS", 3000),
			Temperature:     mustFloat("MODEL_TEMPERATURE", 0.7),
			PriceInput:      mustFloat("MODEL_PRICE_INPUT", 0),
			PriceOutput:     mustFloat("MODEL_PRICE_OUTPUT", 0),
			Timeout:         mustDuration("MODEL_TIMEOUT", 60*time.Second),
			MaxRetries:      mustInt("MODEL_MAX_RETRIES", 2),
			BackoffBase:     mustDuration("MODEL_BACKOFF_BASE", 400*time.Millisecond),
			MockDelay:       mustDuration("MOCK_STREAM_DELAY", 40*time.Millisecond),
		},
		Redis: RedisConfig{
			Addr:      mustEnv("REDIS_ADDR", ""),
			Password:  mustEnv("REDIS_PASSWORD", ""),
			DB:        mustInt("REDIS_DB", 0),
			UpdateTTL: mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
		},
		Rate: RateConfig{
			General: RateRule{Limit: mustInt64("RATE_LIMIT_GENERAL", 100), Window: mustDuration("RATE_LIMIT_GENERAL_WINDOW", 15*time.Minute)},
			Chat:    RateRule{Limit: mustInt64("RATE_LIMIT_CHAT", 10), Window: mustDuration("RATE_LIMIT_CHAT_WINDOW", time.Minute)},
			Auth:    RateRule{Limit: mustInt64("RATE_LIMIT_AUTH", 5), Window: mustDuration("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute)},
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:starchat.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}
	if mustBool("OPENAI_USE_MOCK", false) {
		cfg.Model.Provider = ProviderMock
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if err := cfg.validateSecrets(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig(cfg.Hardened)
	if err != nil {
		return nil, err
	}
	if cc.Ephemeral {
		cfg.warn("CHAT_ENCRYPTION_KEY is not set; using an ephemeral key, stored messages will be unreadable after restart")
	}
	cc.RotateOnRead = mustBool("CHAT_ENCRYPTION_ROTATE_ON_READ", false)
	cfg.Crypto = cc

	return cfg, nil
}

func (c *Config) validateSecrets() error {
	secret := c.Auth.JWTSecret
	if secret == "" {
		return ErrMissingJWTSecret
	}
	if c.Hardened {
		if len(secret) < 24 {
			return ErrWeakJWTSecret
		}
		if c.AllowMockAuth {
			return ErrMockAuthInProduction
		}
		if c.BotToken == "" {
			return ErrMissingBotToken
		}
		if c.Payments.WebhookSecret == "" {
			return ErrMissingWebhookSecret
		}
		if c.Model.Provider == ProviderOpenAI && c.Model.APIKey == "" {
			return ErrMissingModelKey
		}
		return nil
	}

	if len(secret) < 16 {
		c.warn("JWT_SECRET is shorter than 16 characters")
	}
	if c.BotToken == "" {
		c.warn("BOT_TOKEN is not set; init data login and invoice links are disabled")
	}
	if c.Payments.WebhookSecret == "" {
		c.warn("WEBHOOK_SECRET is not set; payment webhooks will be rejected")
	}
	if c.Model.Provider == ProviderOpenAI && c.Model.APIKey == "" {
		c.warn("OPENAI_API_KEY is not set; falling back to the mock provider")
		c.Model.Provider = ProviderMock
	}
	return nil
}

func (c *Config) warn(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

func loadCryptoConfig(hardened bool) (CryptoConfig, error) {
	keys := map[string][]byte{}

	if raw := mustEnv("CHAT_ENCRYPTION_OLD_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse CHAT_ENCRYPTION_OLD_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			key, err := ParseKey(val)
			if err != nil {
				return CryptoConfig{}, fmt.Errorf("decode encryption key %q: %w", id, err)
			}
			keys[id] = key
		}
	}

	current := mustEnv("CHAT_ENCRYPTION_KEY_ID", defaultKeyID)
	primary := mustEnv("CHAT_ENCRYPTION_KEY", "")
	if primary == "" {
		if hardened {
			return CryptoConfig{}, ErrMissingEncryptionKey
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return CryptoConfig{}, fmt.Errorf("generate ephemeral key: %w", err)
		}
		keys[current] = key
		return CryptoConfig{CurrentKeyID: current, Keys: keys, Ephemeral: true}, nil
	}

	key, err := ParseKey(primary)
	if err != nil {
		return CryptoConfig{}, fmt.Errorf("decode CHAT_ENCRYPTION_KEY: %w", err)
	}
	keys[current] = key

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

// ParseKey accepts a 32-byte key encoded as hex or base64.
func ParseKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if len(v) == 64 {
		if raw, err := hex.DecodeString(v); err == nil {
			return raw, nil
		}
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("key is neither hex nor base64: %w", err)
		}
	}
	if len(raw) != 32 {
		return nil, ErrInvalidKeyLength
	}
	return raw, nil
}

func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.TrimSuffix(part, "/"))
		}
	}
	return out
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// envOr differs from mustEnv in that an explicitly empty value is kept.
func envOr(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

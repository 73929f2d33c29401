// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/credgate/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Authorization lookup cache (optional, in-process cache if not set)

	// Chain settings
	RPCURL                   string
	ChainID                  int64
	ContractAddress          string // credentials contract holding the allow-list
	PrivateKey               string // Hex-encoded admin key; empty disables approvals
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	AuthCacheTTL             time.Duration

	// Polling
	QueuePollInterval     time.Duration
	DashboardPollInterval time.Duration

	// Security
	JWTSecret    string
	CORSOrigins  []string
	RateLimitRPM int // request submissions per caller per minute

	// Outbound review notifications
	WebhookURLs   []string
	WebhookSecret string // HMAC-SHA256 key for X-Credgate-Signature

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // OTEL_TRACES_SAMPLER_ARG; 0 samples everything
}

// Defaults
const (
	DefaultRPCURL                   = "https://sepolia.base.org"
	DefaultChainID                  = 84532 // Base Sepolia
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultConfirmationTimeout      = 3 * time.Minute
	DefaultConfirmationPollInterval = 2 * time.Second
	DefaultAuthCacheTTL             = 5 * time.Minute
	DefaultQueuePollInterval        = 5 * time.Second
	DefaultDashboardPollInterval    = 30 * time.Second
	DefaultRateLimitRPM             = 10
)

// Load reads configuration from environment variables.
// A .env file is loaded first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisURL:                 os.Getenv("REDIS_URL"),
		RPCURL:                   getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                  getEnvInt64("CHAIN_ID", DefaultChainID),
		ContractAddress:          os.Getenv("CONTRACT_ADDRESS"),
		PrivateKey:               os.Getenv("PRIVATE_KEY"),
		ConfirmationTimeout:      getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		ConfirmationPollInterval: getEnvDuration("CONFIRMATION_POLL_INTERVAL", DefaultConfirmationPollInterval),
		AuthCacheTTL:             getEnvDuration("AUTH_CACHE_TTL", DefaultAuthCacheTTL),
		QueuePollInterval:        getEnvDuration("QUEUE_POLL_INTERVAL", DefaultQueuePollInterval),
		DashboardPollInterval:    getEnvDuration("DASHBOARD_POLL_INTERVAL", DefaultDashboardPollInterval),
		JWTSecret:                os.Getenv("JWT_SECRET"),
		CORSOrigins:              getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPM:             int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		WebhookURLs:              getEnvList("WEBHOOK_URLS"),
		WebhookSecret:            os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	if !validation.IsValidEthAddress(c.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS must be 0x followed by 40 hex characters")
	}

	// The key is optional: without it the service runs read-only and
	// approvals fail with wallet-unavailable.
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive")
	}
	if c.QueuePollInterval <= 0 || c.DashboardPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	if len(c.WebhookURLs) > 0 && len(c.WebhookSecret) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET must be at least 16 characters when WEBHOOK_URLS is set")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

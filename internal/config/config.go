// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Billing settings
	Currency       string // ISO currency code for wallets, e.g. "usd"
	PricePerSeat   int64  // monthly price per seat, in minor units (cents)
	MinRecharge    int64  // smallest wallet recharge accepted, in minor units
	MaxRecharge    int64  // largest wallet recharge accepted, in minor units
	FeatureUnlocks map[string]int64

	// Payment gateway (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Store call budget — money-moving store operations fail closed past this.
	StoreTimeout time.Duration

	// Security
	AdminSecret    string
	RateLimitRPM   int
	AllowedOrigins []string // CORS allow-list; empty allows none cross-origin

	// TenantTokens maps static API tokens to tenant IDs, parsed from
	// TENANT_TOKENS ("token=tenant,token2=tenant2"). Stands in for the
	// platform identity service in demo and test deployments.
	TenantTokens map[string]string

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultCurrency     = "usd"
	DefaultPricePerSeat = 50000 // $500.00/seat/month
	DefaultMinRecharge  = 500   // $5.00
	DefaultMaxRecharge  = 10000000
	DefaultRateLimitRPM = 120
	DefaultStoreTimeout = 5 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		PricePerSeat:        getEnvInt64("PRICE_PER_SEAT", DefaultPricePerSeat),
		MinRecharge:         getEnvInt64("MIN_RECHARGE", DefaultMinRecharge),
		MaxRecharge:         getEnvInt64("MAX_RECHARGE", DefaultMaxRecharge),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StoreTimeout:        getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cfg.TenantTokens = parseTokenMap(os.Getenv("TENANT_TOKENS"))
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	// Feature catalogue is fixed; prices may be overridden per feature key.
	cfg.FeatureUnlocks = map[string]int64{
		"advanced_reports": getEnvInt64("FEATURE_PRICE_ADVANCED_REPORTS", 150000),
		"bulk_export":      getEnvInt64("FEATURE_PRICE_BULK_EXPORT", 50000),
		"api_access":       getEnvInt64("FEATURE_PRICE_API_ACCESS", 250000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PricePerSeat <= 0 {
		return fmt.Errorf("PRICE_PER_SEAT must be positive")
	}
	if c.MinRecharge <= 0 || c.MaxRecharge < c.MinRecharge {
		return fmt.Errorf("recharge bounds invalid: min=%d max=%d", c.MinRecharge, c.MaxRecharge)
	}
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
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

func parseTokenMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, tenant, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && tenant != "" {
			out[token] = tenant
		}
	}
	return out
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

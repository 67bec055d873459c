// Package config handles process configuration from environment variables.
// Risk policy (thresholds, weights, mode) lives in riskconfig and reloads
// at runtime; everything here is fixed for the life of the process.
package config

import (
	"errors"
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
	// LogFormat is "json" or "text".
	LogFormat string

	// Storage. Both optional: without them the service runs on in-memory
	// stores (demo mode).
	DatabaseURL string
	RedisURL    string

	// Risk policy file (YAML or JSON) and how often to re-read it.
	RiskConfigPath     string
	RiskConfigInterval time.Duration
	// ModeOverride pins shadow or enforce regardless of the policy file.
	ModeOverride string

	// Chargebacks: "postgres" reads the ledger-fed table, "stripe" queries
	// Stripe disputes, "memory" is for demos.
	ChargebackSource string
	StripeSecretKey  string

	// Decision events
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string

	// Security
	ServiceAPIKeys []string
	AdminSecret    string
	MaxRequestSize int64
	CORSOrigins    []string

	// Workers
	DecisionSweepInterval time.Duration
	ListSweepInterval     time.Duration
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultKafkaTopic       = "risk.decisions"
	DefaultMaxRequestSize   = 1 << 20
	DefaultConfigInterval   = 30 * time.Second
	DefaultDecisionSweep    = time.Hour
	DefaultListSweep        = 5 * time.Minute
	DefaultChargebackSource = "postgres"
)

// Load reads configuration from environment variables. It loads a .env
// file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		RiskConfigPath:        os.Getenv("RISK_CONFIG_PATH"),
		RiskConfigInterval:    getEnvDuration("RISK_CONFIG_INTERVAL", DefaultConfigInterval),
		ModeOverride:          strings.ToLower(os.Getenv("RISK_MODE")),
		ChargebackSource:      strings.ToLower(getEnv("CHARGEBACK_SOURCE", DefaultChargebackSource)),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		KafkaBrokers:          getEnvList("KAFKA_BROKERS"),
		KafkaTopic:            getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceAPIKeys:        getEnvList("SERVICE_API_KEYS"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		MaxRequestSize:        getEnvInt64("MAX_REQUEST_SIZE", DefaultMaxRequestSize),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		DecisionSweepInterval: getEnvDuration("DECISION_SWEEP_INTERVAL", DefaultDecisionSweep),
		ListSweepInterval:     getEnvDuration("LIST_SWEEP_INTERVAL", DefaultListSweep),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent. Production refuses
// to start without durable storage or credentials.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric, got %q", c.Port))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	switch c.ModeOverride {
	case "", "shadow", "enforce":
	default:
		errs = append(errs, fmt.Errorf("RISK_MODE must be shadow or enforce, got %q", c.ModeOverride))
	}
	switch c.ChargebackSource {
	case "postgres", "memory":
	case "stripe":
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required when CHARGEBACK_SOURCE=stripe"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHARGEBACK_SOURCE must be postgres, stripe or memory, got %q", c.ChargebackSource))
	}
	if c.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_SIZE must be positive"))
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if len(c.ServiceAPIKeys) == 0 {
			errs = append(errs, errors.New("SERVICE_API_KEYS is required in production"))
		}
		if len(c.AdminSecret) < 32 {
			errs = append(errs, errors.New("ADMIN_SECRET must be at least 32 characters in production"))
		}
	}

	return errors.Join(errs...)
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

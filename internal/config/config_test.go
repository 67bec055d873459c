package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, old)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:             "8080",
		Env:              "development",
		LogFormat:        "json",
		ChargebackSource: "memory",
		MaxRequestSize:   DefaultMaxRequestSize,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "SERVICE_API_KEYS", "key-a, key-b,,")
	setEnv(t, "KAFKA_BROKERS", "")
	setEnv(t, "RISK_CONFIG_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.ServiceAPIKeys)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, 10*time.Second, cfg.RiskConfigInterval)
	assert.Equal(t, DefaultDecisionSweep, cfg.DecisionSweepInterval)
	assert.Equal(t, DefaultChargebackSource, cfg.ChargebackSource)
}

func TestLoad_RejectsBadMode(t *testing.T) {
	setEnv(t, "RISK_MODE", "block")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RISK_MODE")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"non-numeric port", func(c *Config) { c.Port = "http" }, "PORT must be numeric"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"unknown chargeback source", func(c *Config) { c.ChargebackSource = "bigquery" }, "CHARGEBACK_SOURCE"},
		{"stripe without key", func(c *Config) { c.ChargebackSource = "stripe" }, "STRIPE_SECRET_KEY"},
		{"stripe with key", func(c *Config) { c.ChargebackSource = "stripe"; c.StripeSecretKey = "sk_test_1" }, ""},
		{"production without database", func(c *Config) {
			c.Env = "production"
			c.ServiceAPIKeys = []string{"k"}
			c.AdminSecret = "0123456789abcdef0123456789abcdef"
		}, "DATABASE_URL is required"},
		{"production with short admin secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/fraudguard"
			c.ServiceAPIKeys = []string{"k"}
			c.AdminSecret = "short"
		}, "ADMIN_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/fraudguard"
			c.ServiceAPIKeys = []string{"k"}
			c.AdminSecret = "0123456789abcdef0123456789abcdef"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "soon")
	setEnv(t, "TEST_DUR_NEG", "-5s")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_NEG", time.Minute))
}

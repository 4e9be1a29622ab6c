package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLWithDocumentedKeys(t *testing.T) {
	path := writeConfig(t, `
fetchWindowHours: 72
leadOffsetMinutes: 5
fetchIntervalHours: 0.5
retry:
  maxAttempts: 4
  baseDelayMinutes: 2
cache:
  freshTTLSeconds: 60
  staleTTLSeconds: 600
  maxEntries: 200
breaker:
  threshold: 3
  successThreshold: 1
  timeoutMs: 1500
api:
  baseURL: https://events.example.com/v1
  requestTimeout: 3s
store:
  driver: sqlite3
  dsn: file:test.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 72, cfg.FetchWindowHours)
	assert.Equal(t, 5*time.Minute, cfg.LeadOffset())
	assert.Equal(t, 30*time.Minute, cfg.FetchInterval())
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.RetryBaseDelay())
	assert.Equal(t, time.Minute, cfg.CacheFreshTTL())
	assert.Equal(t, 10*time.Minute, cfg.CacheStaleTTL())
	assert.Equal(t, 200, cfg.Cache.MaxEntries)
	assert.Equal(t, 1500*time.Millisecond, cfg.BreakerTimeout())
	assert.Equal(t, 3*time.Second, cfg.API.RequestTimeout)
	// untouched sections keep defaults
	assert.Equal(t, 10, cfg.Monitor.HistorySize)
	assert.Equal(t, "print", cfg.Delivery.Mode)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "api:\n  baseURL: https://file.example.com\nleadOffsetMinutes: 10\n")
	t.Setenv("LEAD_OFFSET_MINUTES", "15")
	t.Setenv("RETRY_MAX_ATTEMPTS", "6")
	t.Setenv("SMTP_TO", "desk@example.com, ops@example.com")
	t.Setenv("STORE_BUSY_BASE_DELAY", "50ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.LeadOffsetMinutes)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"desk@example.com", "ops@example.com"}, cfg.Delivery.SMTP.To)
	assert.Equal(t, 50*time.Millisecond, cfg.Store.BusyBaseDelay)
	assert.Equal(t, "https://file.example.com", cfg.API.BaseURL)
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://localhost:9999")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", cfg.API.BaseURL)
	assert.Equal(t, 48, cfg.FetchWindowHours)
}

func TestValidateRejectsUnsafeConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"unbounded attempts", func(c *Config) { c.Retry.MaxAttempts = MaxRetryAttempts + 1 }},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelayMinutes = c.Retry.BaseDelayMinutes - 1 }},
		{"zero smtp timeout", func(c *Config) { c.Delivery.SMTP.Timeout = 0 }},
		{"stale below fresh", func(c *Config) { c.Cache.StaleTTLSeconds = c.Cache.FreshTTLSeconds - 1 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.Threshold = 0 }},
		{"negative lead", func(c *Config) { c.LeadOffsetMinutes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.API.BaseURL = "https://events.example.com"
			require.NoError(t, cfg.Validate())
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidateAcceptsDriverAliases(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite", "pgx", "postgres"} {
		cfg := Default()
		cfg.API.BaseURL = "https://events.example.com"
		cfg.Store.Driver = driver
		assert.NoError(t, cfg.Validate(), driver)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "retry: [not, a, map\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

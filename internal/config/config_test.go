package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CONFIG_FILE", "")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 60*time.Second, cfg.ScrapeInterval)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 8, cfg.WorkerLimit)
	assert.Equal(t, 24*time.Hour, cfg.AlertCooldown)
	assert.Equal(t, "Europe/Zagreb", cfg.Location().String())
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SCRAPE_INTERVAL", "90")
	t.Setenv("REQUEST_TIMEOUT", "2500ms")
	t.Setenv("WORKER_LIMIT", "16")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/hzpp")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.ScrapeInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 16, cfg.WorkerLimit)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "postgres://localhost/hzpp", cfg.DatabaseURL)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := "retry_attempts: 5\n" +
		"disambiguation_tolerance: 2h\n" +
		"worker_limit: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_LIMIT", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 2*time.Hour, cfg.DisambiguationTolerance)
	assert.Equal(t, 12, cfg.WorkerLimit, "env wins over the file")
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("HEALTH_ADDR=:9999\n"), 0644))
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("HEALTH_ADDR") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HealthAddr)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"zero attempts", func(c *Config) { c.RetryAttempts = 0 }},
		{"too many workers", func(c *Config) { c.WorkerLimit = 1000 }},
		{"zero interval", func(c *Config) { c.ScrapeInterval = 0 }},
		{"backoff ceiling below floor", func(c *Config) {
			c.RetryInitialBackoff = 5 * time.Second
			c.RetryMaxBackoff = time.Second
		}},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

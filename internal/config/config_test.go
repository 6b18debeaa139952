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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
backend: supabase
supabase:
  url: https://demo.supabase.co
  anon_key: anon
  timeout: 5s
refresh:
  schedule: "@every 1m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://demo.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, 5*time.Second, cfg.Supabase.Timeout)
	assert.Equal(t, "@every 1m", cfg.Refresh.Schedule)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Send.Burst)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
supabase:
  url: https://file.supabase.co
  anon_key: anon
`)
	t.Setenv("SUPABASE_URL", "https://env.supabase.co")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"supabase ok", func(c *Config) { c.Supabase.URL = "https://x.supabase.co"; c.Supabase.AnonKey = "k" }, false},
		{"supabase missing url", func(c *Config) { c.Supabase.AnonKey = "k" }, true},
		{"supabase relative url", func(c *Config) { c.Supabase.URL = "x.supabase.co"; c.Supabase.AnonKey = "k" }, true},
		{"supabase missing key", func(c *Config) { c.Supabase.URL = "https://x.supabase.co" }, true},
		{"postgres ok", func(c *Config) { c.Backend = "Postgres"; c.Postgres.DSN = "postgres://localhost/db" }, false},
		{"postgres missing dsn", func(c *Config) { c.Backend = BackendPostgres }, true},
		{"unknown backend", func(c *Config) { c.Backend = "firebase" }, true},
		{"negative burst", func(c *Config) {
			c.Supabase.URL = "https://x.supabase.co"
			c.Supabase.AnonKey = "k"
			c.Send.Burst = -1
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

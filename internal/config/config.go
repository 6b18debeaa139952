// Package config loads client configuration from a YAML file, an optional
// .env file, and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marketfeed/marketfeed/pkg/logger"
)

// Backend names accepted in Config.Backend.
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// Config is the full client configuration.
type Config struct {
	Backend  string               `yaml:"backend" env:"MARKETFEED_BACKEND"`
	Supabase SupabaseConfig       `yaml:"supabase"`
	Postgres PostgresConfig       `yaml:"postgres"`
	Redis    RedisConfig          `yaml:"redis"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Refresh  RefreshConfig        `yaml:"refresh"`
	Send     SendConfig           `yaml:"send"`
}

// SupabaseConfig holds the hosted backend connection settings.
type SupabaseConfig struct {
	URL     string `yaml:"url" env:"SUPABASE_URL"`
	AnonKey string `yaml:"anon_key" env:"SUPABASE_ANON_KEY"`
	// AccessToken is the signed-in user's session token. Signing in is
	// handled elsewhere; without it every send fails with an auth error.
	AccessToken      string        `yaml:"access_token" env:"SUPABASE_ACCESS_TOKEN"`
	Timeout          time.Duration `yaml:"timeout" env:"SUPABASE_TIMEOUT"`
	EnableResilience bool          `yaml:"enable_resilience" env:"SUPABASE_ENABLE_RESILIENCE"`
}

// PostgresConfig is used when Backend is "postgres".
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
	// UserID stands in for the authenticated user on a self-hosted database.
	UserID string `yaml:"user_id" env:"MARKETFEED_USER_ID"`
}

// RedisConfig enables the shared profile cache tier when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	TTL      time.Duration `yaml:"ttl" env:"REDIS_PROFILE_TTL"`
}

// MetricsConfig controls the debug HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
	// Token protects the thread routes; /healthz and /metrics stay open.
	Token string `yaml:"token" env:"METRICS_TOKEN"`
}

// RefreshConfig schedules periodic full resyncs of an open session.
type RefreshConfig struct {
	// Schedule is a cron spec such as "@every 5m". Empty disables resync.
	Schedule string `yaml:"schedule" env:"REFRESH_SCHEDULE"`
	// ProfileMaxAge lets loads reuse profiles read within this window.
	// Zero re-reads every profile on every load.
	ProfileMaxAge time.Duration `yaml:"profile_max_age" env:"REFRESH_PROFILE_MAX_AGE"`
}

// SendConfig rate-limits outgoing messages.
type SendConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" env:"SEND_RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" env:"SEND_BURST"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend: BackendSupabase,
		Supabase: SupabaseConfig{
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 10 * time.Minute,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Send: SendConfig{
			RatePerSecond: 2,
			Burst:         5,
		},
	}
}

// Load reads path (optional), then .env (optional), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks that the selected backend is fully configured.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			return fmt.Errorf("supabase.url is required")
		}
		u, err := url.Parse(c.Supabase.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("supabase.url must be an absolute URL")
		}
		if c.Supabase.AnonKey == "" {
			return fmt.Errorf("supabase.anon_key is required")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Send.RatePerSecond < 0 || c.Send.Burst < 0 {
		return fmt.Errorf("send rate and burst must not be negative")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the faultline server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Ingest    IngestConfig
	Notify    NotifyConfig
	RateLimit RateLimitConfig
	Counters  CountersConfig
	Bootstrap BootstrapConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// IngestConfig bounds the fingerprint critical section.
type IngestConfig struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	StoreTimeout time.Duration
}

// NotifyConfig selects the notification transport. WebhookURL, when set,
// takes precedence over the Redis queue.
type NotifyConfig struct {
	Queue          string
	MaxConcurrency int
	Timeout        time.Duration
	WebhookURL     string
	WebhookSecret  string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type CountersConfig struct {
	ReconcileSchedule string
}

// BootstrapConfig seeds a first project into an empty store.
type BootstrapConfig struct {
	AdminEmail  string
	ProjectName string
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var validDrivers = map[string]bool{
	DriverPostgres: true,
	DriverMemory:   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FAULTLINE_PORT", 8080),
			Env:  envString("FAULTLINE_ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", DriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Ingest: IngestConfig{
			LockTTL:      envDuration("FAULTLINE_LOCK_TTL", 10*time.Second),
			LockWait:     envDuration("FAULTLINE_LOCK_WAIT", 2*time.Second),
			StoreTimeout: envDuration("FAULTLINE_STORE_TIMEOUT", 5*time.Second),
		},
		Notify: NotifyConfig{
			Queue:          envString("NOTIFY_QUEUE", "faultline:notifications"),
			MaxConcurrency: envInt("NOTIFY_MAX_CONCURRENCY", 8),
			Timeout:        envDuration("NOTIFY_TIMEOUT", 10*time.Second),
			WebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
			WebhookSecret:  os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 600),
		},
		Counters: CountersConfig{
			ReconcileSchedule: envString("COUNTERS_RECONCILE_SCHEDULE", "@every 5m"),
		},
		Bootstrap: BootstrapConfig{
			AdminEmail:  os.Getenv("BOOTSTRAP_ADMIN_EMAIL"),
			ProjectName: envString("BOOTSTRAP_PROJECT_NAME", "default"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}

	if c.Database.Driver == DriverPostgres {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
		if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
			return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", c.Database.URL)
		}
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER is postgres")
		}
	}

	if c.Ingest.LockTTL <= c.Ingest.StoreTimeout {
		return fmt.Errorf("FAULTLINE_LOCK_TTL (%s) must exceed FAULTLINE_STORE_TIMEOUT (%s)",
			c.Ingest.LockTTL, c.Ingest.StoreTimeout)
	}

	if c.Notify.MaxConcurrency <= 0 {
		return fmt.Errorf("NOTIFY_MAX_CONCURRENCY must be positive, got %d", c.Notify.MaxConcurrency)
	}

	if c.Notify.WebhookURL != "" &&
		!strings.HasPrefix(c.Notify.WebhookURL, "http://") && !strings.HasPrefix(c.Notify.WebhookURL, "https://") {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL must start with http:// or https://, got %q", c.Notify.WebhookURL)
	}

	if c.Bootstrap.AdminEmail != "" && !strings.Contains(c.Bootstrap.AdminEmail, "@") {
		return fmt.Errorf("BOOTSTRAP_ADMIN_EMAIL must be an email address, got %q", c.Bootstrap.AdminEmail)
	}

	return nil
}

// UsesRedis reports whether the server needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Redis.URL != ""
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

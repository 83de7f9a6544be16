// Package config loads the sc command configuration from the environment.
//
// Every setting has a default suited to a single workstation; command line
// flags override the environment for the command in use.
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/Ciprian167/siliconcompiler/internal/logging"
)

// Config holds all configuration for the sc command.
type Config struct {
	LogLevel string `env:"SC_LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"SC_LOG_JSON" envDefault:"false"`

	// BuildDir overrides option/builddir of the manifest when set.
	BuildDir      string        `env:"SC_BUILD_DIR"`
	MaxConcurrent int           `env:"SC_MAX_CONCURRENT" envDefault:"0"`
	NodeTimeout   time.Duration `env:"SC_NODE_TIMEOUT" envDefault:"0s"`
	RunBudget     time.Duration `env:"SC_RUN_BUDGET" envDefault:"0s"`

	// ObserverAddr serves the status API while a run is active, empty
	// to disable it.
	ObserverAddr string `env:"SC_OBSERVER_ADDR"`

	// Tracing exports node spans to stdout.
	Tracing bool `env:"SC_TRACING" envDefault:"false"`

	Store     StoreConfig
	Scheduler SchedulerConfig
	Redis     RedisConfig
}

// StoreConfig selects where manifests and node records are kept.
type StoreConfig struct {
	Kind       string `env:"SC_STORE" envDefault:"memory"`
	SQLitePath string `env:"SC_SQLITE_PATH" envDefault:"build/sc.db"`
	MySQLDSN   string `env:"SC_MYSQL_DSN"`
}

// SchedulerConfig configures remote dispatch.
type SchedulerConfig struct {
	Name           string        `env:"SC_SCHEDULER" envDefault:"local"`
	PollInterval   time.Duration `env:"SC_POLL_INTERVAL" envDefault:"2s"`
	SubmitAttempts int           `env:"SC_SUBMIT_ATTEMPTS" envDefault:"3"`
	BaseDelay      time.Duration `env:"SC_SUBMIT_BASE_DELAY" envDefault:"1s"`
	MaxDelay       time.Duration `env:"SC_SUBMIT_MAX_DELAY" envDefault:"30s"`
	HTTPURL        string        `env:"SC_HTTP_SCHEDULER_URL"`
	HTTPToken      string        `env:"SC_HTTP_SCHEDULER_TOKEN"`
	Partition      string        `env:"SC_SLURM_PARTITION"`
}

// RedisConfig holds the Redis connection used by the redis scheduler and
// its workers.
type RedisConfig struct {
	Addr     string `env:"SC_REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"SC_REDIS_PASSWORD"`
	DB       int    `env:"SC_REDIS_DB" envDefault:"0"`
	Queue    string `env:"SC_REDIS_QUEUE" envDefault:"default"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent must not be negative, got %d", c.MaxConcurrent)
	}
	if c.NodeTimeout < 0 || c.RunBudget < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	switch c.Store.Kind {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite store requires SC_SQLITE_PATH")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("mysql store requires SC_MYSQL_DSN")
		}
	default:
		return fmt.Errorf("unsupported store: %s (must be memory, sqlite, or mysql)", c.Store.Kind)
	}

	s := c.Scheduler
	switch s.Name {
	case "local", "slurm":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis scheduler requires SC_REDIS_ADDR")
		}
	case "http":
		if s.HTTPURL == "" {
			return fmt.Errorf("http scheduler requires SC_HTTP_SCHEDULER_URL")
		}
	default:
		return fmt.Errorf("unsupported scheduler: %s", s.Name)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if s.SubmitAttempts < 1 {
		return fmt.Errorf("submit attempts must be at least 1")
	}
	if s.BaseDelay < 0 || s.MaxDelay < 0 || (s.MaxDelay > 0 && s.MaxDelay < s.BaseDelay) {
		return fmt.Errorf("invalid submit backoff: base %v, max %v", s.BaseDelay, s.MaxDelay)
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/maestro/internal/core/workflow"
	"github.com/vietddude/maestro/internal/pipeline/quality"
	"github.com/vietddude/maestro/internal/recovery"
	"github.com/vietddude/maestro/internal/recovery/breaker"
)

// ErrInvalidConfig is returned when a loaded configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Default returns the configuration used for every key a file leaves out.
func Default() *AppConfig {
	return &AppConfig{
		Server:    ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Logging:   LoggingConfig{Level: "info"},
		Workflow:  workflow.DefaultConfig,
		Quality:   QualityConfig{MinimumWords: quality.DefaultMinimumWords},
		Recovery:  recovery.DefaultConfig,
		Breaker:   breaker.DefaultConfig,
		Retention: RetentionConfig{Attempts: 7 * 24 * time.Hour},
		Workers:   WorkersConfig{Timeout: 2 * time.Minute},
	}
}

// Load reads configuration from a YAML file. An empty path yields the
// defaults with environment overrides applied.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("MAESTRO_DATABASE_URL"); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
		if cfg.Database.Driver == "" {
			cfg.Database.Driver = "pgx"
		}
	}
	if v := os.Getenv("MAESTRO_REDIS_URL"); v != "" && cfg.Redis.URL == "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("MAESTRO_WORKER_URL"); v != "" && cfg.Workers.Default == "" {
		cfg.Workers.Default = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Workflow.HistoryLimit <= 0 {
		cfg.Workflow.HistoryLimit = workflow.DefaultConfig.HistoryLimit
	}
	if cfg.Workflow.HistoryKeep <= 0 {
		cfg.Workflow.HistoryKeep = workflow.DefaultConfig.HistoryKeep
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = breaker.DefaultConfig.FailureThreshold
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = breaker.DefaultConfig.Timeout
	}
	for i := range cfg.Workers.Endpoints {
		if cfg.Workers.Endpoints[i].Timeout == 0 {
			cfg.Workers.Endpoints[i].Timeout = cfg.Workers.Timeout
		}
	}
}

// Validate reports the first unusable setting.
func (c *AppConfig) Validate() error {
	switch c.Database.Driver {
	case "", "memory", "sqlite3", "pgx", "postgres":
	default:
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.Driver != "" && c.Database.Driver != "memory" && c.Database.URL == "" {
		return fmt.Errorf("%w: database.url is required for driver %s", ErrInvalidConfig, c.Database.Driver)
	}

	if c.Workflow.HistoryKeep > c.Workflow.HistoryLimit {
		return fmt.Errorf("%w: workflow.history_keep (%d) exceeds history_limit (%d)",
			ErrInvalidConfig, c.Workflow.HistoryKeep, c.Workflow.HistoryLimit)
	}

	for _, kind := range c.Recovery.RetryableErrors {
		if !kind.IsValid() {
			return fmt.Errorf("%w: unknown retryable error kind %q", ErrInvalidConfig, kind)
		}
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("%w: recovery.max_retries must not be negative", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Workers.Endpoints))
	for _, ep := range c.Workers.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return fmt.Errorf("%w: worker endpoints need a name and url", ErrInvalidConfig)
		}
		if seen[ep.Name] {
			return fmt.Errorf("%w: worker %s configured twice", ErrInvalidConfig, ep.Name)
		}
		seen[ep.Name] = true
	}

	for _, f := range c.Formats {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

package config

import (
	"time"

	"github.com/vietddude/maestro/internal/core/workflow"
	redisclient "github.com/vietddude/maestro/internal/infra/redis"
	"github.com/vietddude/maestro/internal/infra/storage/sqlstore"
	"github.com/vietddude/maestro/internal/infra/worker"
	"github.com/vietddude/maestro/internal/pipeline"
	"github.com/vietddude/maestro/internal/pipeline/stages"
	"github.com/vietddude/maestro/internal/recovery"
	"github.com/vietddude/maestro/internal/recovery/breaker"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  sqlstore.Config    `yaml:"database"` // empty driver = in-memory
	Redis     redisclient.Config `yaml:"redis"`    // empty url = disabled
	Workflow  workflow.Config    `yaml:"workflow"`
	Quality   QualityConfig      `yaml:"quality"`
	Recovery  recovery.Config    `yaml:"recovery"`
	Breaker   breaker.Config     `yaml:"breaker"`
	Runner    pipeline.Config    `yaml:"runner"`
	Retention RetentionConfig    `yaml:"retention"`
	Workers   WorkersConfig      `yaml:"workers"`
	Formats   []stages.Format    `yaml:"formats"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// QualityConfig tunes the built-in quality gates.
type QualityConfig struct {
	MinimumWords int `yaml:"minimum_words"`
}

// RetentionConfig bounds how long persisted recovery attempts are kept.
// Zero disables pruning.
type RetentionConfig struct {
	Attempts time.Duration `yaml:"attempts"`
}

// WorkersConfig lists the generative endpoints stages are dispatched to.
type WorkersConfig struct {
	// Default serves every worker identity without its own endpoint.
	Default   string            `yaml:"default"`
	Timeout   time.Duration     `yaml:"timeout"`
	Endpoints []worker.Endpoint `yaml:"endpoints"`
}

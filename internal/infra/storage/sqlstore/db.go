// Package sqlstore persists workflows and recovery attempts in PostgreSQL
// or SQLite through sqlx.
package sqlstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // driver "postgres"
	_ "github.com/mattn/go-sqlite3" // driver "sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/maestro/internal/infra/storage"
	"github.com/vietddude/maestro/internal/metrics"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrUnsupportedDriver is returned for drivers other than pgx, postgres and sqlite3.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Config holds database connection configuration.
type Config struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// DB wraps the sqlx connection and remembers its dialect.
type DB struct {
	*sqlx.DB
	dialect string
}

// dialectFor maps a driver name to its goose dialect and migration directory.
func dialectFor(driver string) (string, error) {
	switch driver {
	case "pgx", "postgres":
		return "postgres", nil
	case "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// NewDB opens and pings a database connection.
func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "pgx"
	}
	dialect, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == "sqlite3" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		} else {
			db.SetMaxOpenConns(10)
		}
		if cfg.MinConns > 0 {
			db.SetMaxIdleConns(cfg.MinConns)
		} else {
			db.SetMaxIdleConns(2)
		}
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, dialect: dialect}, nil
}

// Dialect returns "postgres" or "sqlite3".
func (db *DB) Dialect() string {
	return db.dialect
}

// Migrate applies the embedded migrations for the connection's dialect.
func (db *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(db.dialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB.DB, "migrations/"+db.dialect); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (db *DB) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// Health checks if the database is healthy.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Store implements storage.Store on a SQL database.
type Store struct {
	db        *DB
	workflows *WorkflowRepo
	attempts  *AttemptRepo
}

// Open connects to the database described by cfg and, when cfg.Migrate is
// set, applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return NewStore(db), nil
}

// NewStore wraps an open connection.
func NewStore(db *DB) *Store {
	return &Store{
		db:        db,
		workflows: NewWorkflowRepo(db),
		attempts:  NewAttemptRepo(db),
	}
}

func (s *Store) Workflows() storage.WorkflowRepository { return s.workflows }
func (s *Store) Attempts() storage.AttemptRepository   { return s.attempts }
func (s *Store) DB() *DB                               { return s.db }
func (s *Store) Close() error                          { return s.db.Close() }

func observe(operation string, start time.Time) {
	metrics.DBOperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// isUniqueViolation reports whether err is a unique constraint violation
// from any of the supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return pgUniqueViolation(err) || sqliteUniqueViolation(err)
}

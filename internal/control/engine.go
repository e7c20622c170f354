// Package control assembles the orchestration engine from configuration and
// manages its lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/maestro/internal/api"
	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/config"
	"github.com/vietddude/maestro/internal/core/domain"
	coreworker "github.com/vietddude/maestro/internal/core/worker"
	"github.com/vietddude/maestro/internal/core/workflow"
	redisclient "github.com/vietddude/maestro/internal/infra/redis"
	"github.com/vietddude/maestro/internal/infra/storage"
	"github.com/vietddude/maestro/internal/infra/storage/memory"
	"github.com/vietddude/maestro/internal/infra/storage/sqlstore"
	"github.com/vietddude/maestro/internal/infra/worker"
	"github.com/vietddude/maestro/internal/metrics"
	"github.com/vietddude/maestro/internal/pipeline"
	"github.com/vietddude/maestro/internal/pipeline/quality"
	"github.com/vietddude/maestro/internal/pipeline/stages"
	"github.com/vietddude/maestro/internal/recovery"
	"github.com/vietddude/maestro/internal/recovery/breaker"
)

// DefaultWorkerName identifies the fallback worker built from workers.default.
const DefaultWorkerName = "default"

// Engine owns every long-lived component of a running orchestrator.
type Engine struct {
	cfg *config.AppConfig

	store    storage.Store
	sql      *sqlstore.Store
	redis    *redisclient.Client
	failures *redisclient.FailedStageQueue

	catalog  *stages.Catalog
	manager  *workflow.Manager
	executor *recovery.Executor
	workers  *worker.Registry
	runner   *pipeline.Runner
	server   *api.Server
	pruner   *coreworker.Pruner
}

// NewEngine wires storage, redis, recovery, workers and the HTTP API from cfg.
func NewEngine(ctx context.Context, cfg *config.AppConfig) (*Engine, error) {
	e := &Engine{cfg: cfg}
	clk := clock.New()

	// 1. Storage
	if cfg.Database.Driver != "" && cfg.Database.Driver != "memory" {
		store, err := sqlstore.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		e.sql = store
		e.store = store
		slog.Info("Using SQL storage", "driver", cfg.Database.Driver)
	} else {
		e.store = memory.NewMemoryStorage()
		slog.Info("Using Memory storage")
	}

	// 2. Redis is optional; the engine runs without progress fan-out,
	// distributed locks or the failed-stage queue.
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, continuing without it", "error", err)
		} else {
			e.redis = client
			e.failures = redisclient.NewFailedStageQueue(client)
		}
	}

	// 3. Stage catalog
	e.catalog = stages.NewCatalog(cfg.Workflow.FallbackToDefaultFormat)
	for _, f := range cfg.Formats {
		if err := e.catalog.Register(f); err != nil {
			e.closeStores()
			return nil, fmt.Errorf("failed to register format %s: %w", f.ID, err)
		}
		slog.Info("Registered format", "format", f.ID, "stages", len(f.Stages))
	}

	// 4. State machine and manager
	gates := quality.NewDefaultRegistry(cfg.Workflow.MinQualityScore, cfg.Quality.MinimumWords)
	machine := workflow.NewMachine(cfg.Workflow, e.catalog, gates, clk)

	var publisher workflow.Publisher
	if e.redis != nil {
		publisher = e.redis
	}
	e.manager = workflow.NewManager(machine, e.store.Workflows(), publisher)
	if e.failures != nil {
		e.manager.SetFailureQueue(e.failures)
	}
	e.manager.SetTransitionCallback(func(workflowID string, t workflow.Transition) {
		slog.Debug("Stage transition",
			"workflow", workflowID,
			"stage", t.Stage,
			"from", t.From,
			"to", t.To,
			"reason", t.Reason,
		)
	})

	// 5. Recovery
	breakers := breaker.NewRegistry(cfg.Breaker, clk)
	breakers.SetStateChangeCallback(func(workerID string, from, to domain.CircuitState) {
		metrics.CircuitState.WithLabelValues(workerID).Set(circuitGauge(to))
		slog.Warn("Circuit breaker state changed", "worker", workerID, "from", from, "to", to)
	})
	e.executor = recovery.NewExecutor(cfg.Recovery, breakers,
		recovery.WithClock(clk),
		recovery.WithJournal(e.store.Attempts()),
	)

	// 6. Workers
	e.workers = worker.NewRegistry()
	for _, ep := range cfg.Workers.Endpoints {
		e.workers.Register(worker.NewHTTPWorker(ep))
		slog.Info("Registered worker", "worker", ep.Name, "url", ep.URL)
	}
	if cfg.Workers.Default != "" {
		e.workers.SetFallback(worker.NewHTTPWorker(worker.Endpoint{
			Name:    DefaultWorkerName,
			URL:     cfg.Workers.Default,
			Timeout: cfg.Workers.Timeout,
		}))
	}

	e.pruner = coreworker.NewPruner(cfg.Retention.Attempts, e.store.Attempts(), clk)

	// 7. Runner
	e.runner = pipeline.NewRunner(e.manager, e.executor, e.workers, cfg.Runner)
	if e.redis != nil {
		e.runner.SetLocker(e.redis)
	}

	// 8. API
	deps := api.Deps{
		Manager:  e.manager,
		Runner:   e.runner,
		Executor: e.executor,
		Catalog:  e.catalog,
		Workers:  e.workers,
	}
	if e.failures != nil {
		deps.Failures = e.failures
	}
	if e.sql != nil {
		deps.Checks = append(deps.Checks, api.HealthCheck{Name: "database", Check: e.sql.DB().Health})
	}
	if e.redis != nil {
		deps.Checks = append(deps.Checks, api.HealthCheck{Name: "redis", Check: e.redis.Health})
	}
	e.server = api.NewServer(deps, cfg.Server.Port)

	return e, nil
}

// Start launches the HTTP server and background collectors. It does not block.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.syncActiveGauge(ctx); err != nil {
		slog.Warn("Failed to count active workflows", "error", err)
	}

	if e.sql != nil {
		e.sql.DB().StartMetricsCollector(ctx)
	}

	go e.pruner.Start(ctx)

	go func() {
		if err := e.server.Start(); err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down and releases every connection.
func (e *Engine) Stop(ctx context.Context) error {
	slog.Info("Stopping engine...")

	err := e.server.Stop(ctx)
	if cerr := e.workers.Close(); cerr != nil {
		slog.Warn("Failed to close workers", "error", cerr)
	}
	e.closeStores()
	return err
}

func (e *Engine) closeStores() {
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			slog.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := e.store.Close(); err != nil {
		slog.Warn("Failed to close storage", "error", err)
	}
}

// syncActiveGauge seeds the active workflow gauge from storage so restarts
// do not reset it to zero.
func (e *Engine) syncActiveGauge(ctx context.Context) error {
	workflows, err := e.manager.List(ctx)
	if err != nil {
		return err
	}
	active := 0
	for _, w := range workflows {
		if !w.IsTerminal() {
			active++
		}
	}
	metrics.WorkflowsActive.Set(float64(active))
	slog.Info("Loaded workflows", "total", len(workflows), "active", active)
	return nil
}

func (e *Engine) Manager() *workflow.Manager              { return e.manager }
func (e *Engine) Runner() *pipeline.Runner                { return e.runner }
func (e *Engine) Executor() *recovery.Executor            { return e.executor }
func (e *Engine) Catalog() *stages.Catalog                { return e.catalog }
func (e *Engine) Server() *api.Server                     { return e.server }
func (e *Engine) Redis() *redisclient.Client              { return e.redis }
func (e *Engine) Failures() *redisclient.FailedStageQueue { return e.failures }

func circuitGauge(s domain.CircuitState) float64 {
	switch s {
	case domain.CircuitHalfOpen:
		return 1
	case domain.CircuitOpen:
		return 2
	default:
		return 0
	}
}

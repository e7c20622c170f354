// Package api exposes the orchestration engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/core/workflow"
	"github.com/vietddude/maestro/internal/infra/worker"
	"github.com/vietddude/maestro/internal/pipeline"
	"github.com/vietddude/maestro/internal/pipeline/stages"
	"github.com/vietddude/maestro/internal/recovery"
)

// HealthCheck is a dependency whose reachability decides overall health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// FailureLister returns stages that exhausted their retries.
type FailureLister interface {
	GetAll(ctx context.Context) ([]domain.FailedStage, error)
}

// WorkerHealth reports the health of every configured worker.
type WorkerHealth interface {
	Health() []worker.HealthStatus
}

// Deps are the components served by the API. Failures and Workers may be nil.
type Deps struct {
	Manager  *workflow.Manager
	Runner   *pipeline.Runner
	Executor *recovery.Executor
	Catalog  *stages.Catalog
	Failures FailureLister
	Workers  WorkerHealth
	Checks   []HealthCheck
}

// Server provides the HTTP API plus health and metrics endpoints.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	server *http.Server
}

// NewServer creates a server listening on port.
func NewServer(deps Deps, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("Request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("Request", attrs...)
			return nil
		},
	}))

	s := &Server{
		deps: deps,
		echo: e,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           e,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", s.handleHealth)
	e.GET("/health/detailed", s.handleDetailed)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	v1.GET("/formats", s.listFormats)

	v1.GET("/workflows", s.listWorkflows)
	v1.POST("/workflows", s.createWorkflow)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.GET("/workflows/:id/progress", s.getProgress)
	v1.POST("/workflows/:id/transition", s.transition)
	v1.POST("/workflows/:id/failures", s.reportFailure)
	v1.POST("/workflows/:id/start", s.startStage)
	v1.POST("/workflows/:id/review", s.markReview)
	v1.POST("/workflows/:id/reset", s.resetStage)
	v1.POST("/workflows/:id/run", s.run)

	v1.GET("/recovery/stats", s.recoveryStats)
	v1.GET("/recovery/history", s.recoveryHistory)
	v1.POST("/breakers/:worker/reset", s.resetBreaker)
	v1.GET("/failures", s.listFailures)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

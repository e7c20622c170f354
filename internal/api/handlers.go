package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/core/workflow"
	"github.com/vietddude/maestro/internal/infra/storage"
	"github.com/vietddude/maestro/internal/infra/worker"
	"github.com/vietddude/maestro/internal/pipeline"
	"github.com/vietddude/maestro/internal/pipeline/quality"
	"github.com/vietddude/maestro/internal/pipeline/stages"
	"github.com/vietddude/maestro/internal/recovery"
)

// Health status values, worst wins.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// CreateWorkflowRequest starts a workflow for a project.
type CreateWorkflowRequest struct {
	ProjectID   string   `json:"project_id"`
	Format      string   `json:"format"`
	Title       string   `json:"title"`
	Brief       string   `json:"brief"`
	Workers     []string `json:"workers"`
	Preferences []string `json:"preferences"`
}

// TransitionRequest submits the output of the current stage.
type TransitionRequest struct {
	Output       domain.StageOutput   `json:"output"`
	QualityCheck *domain.QualityCheck `json:"quality_check,omitempty"`
}

// TransitionResponse mirrors workflow.TransitionResult for the wire.
type TransitionResponse struct {
	Success    bool               `json:"success"`
	NextStage  string             `json:"next_stage,omitempty"`
	Terminal   bool               `json:"terminal"`
	Blocked    []string           `json:"blocked_requirements,omitempty"`
	Evaluation quality.Evaluation `json:"evaluation"`
	Error      string             `json:"error,omitempty"`
}

// FailureRequest reports a failure of the current stage.
type FailureRequest struct {
	Kind     domain.ErrorKind `json:"kind"`
	Severity domain.Severity  `json:"severity,omitempty"`
	Message  string           `json:"message"`
}

// FailureResponse mirrors workflow.FailureResult for the wire.
type FailureResponse struct {
	ShouldRetry       bool               `json:"should_retry"`
	MaxRetriesReached bool               `json:"max_retries_reached"`
	RetryCount        int                `json:"retry_count"`
	Status            domain.StageStatus `json:"status"`
}

// RunResponse is the outcome of a run request.
type RunResponse struct {
	Stage    string                 `json:"stage,omitempty"`
	Attempts int                    `json:"attempts,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Summary  domain.ProgressSummary `json:"summary"`
}

func toTransitionResponse(r workflow.TransitionResult) TransitionResponse {
	resp := TransitionResponse{
		Success:    r.Success,
		NextStage:  r.NextStage,
		Terminal:   r.Terminal,
		Blocked:    r.Blocked,
		Evaluation: r.Evaluation,
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}
	return resp
}

// httpError maps engine errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case workflow.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicateWorkflow):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, stages.ErrUnknownFormat),
		errors.Is(err, stages.ErrNoEligibleStages),
		errors.Is(err, workflow.ErrInvalidProject),
		errors.Is(err, quality.ErrUnknownGate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrWorkflowCompleted),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrStageNotActive),
		errors.Is(err, pipeline.ErrStageNotRunnable),
		errors.Is(err, pipeline.ErrLocked):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrNoWorker),
		errors.Is(err, pipeline.ErrWorkerUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) checkComponents(ctx context.Context) (string, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := StatusHealthy
	components := make(map[string]string, len(s.deps.Checks))
	for _, hc := range s.deps.Checks {
		if err := hc.Check(ctx); err != nil {
			components[hc.Name] = err.Error()
			status = StatusCritical
			continue
		}
		components[hc.Name] = "ok"
	}

	if status == StatusHealthy && s.deps.Executor != nil {
		for _, b := range s.deps.Executor.Breakers().States() {
			if b.State != domain.CircuitClosed {
				status = StatusDegraded
				break
			}
		}
	}
	return status, components
}

func (s *Server) handleHealth(c echo.Context) error {
	status, _ := s.checkComponents(c.Request().Context())
	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]string{"status": status})
}

func (s *Server) handleDetailed(c echo.Context) error {
	status, components := s.checkComponents(c.Request().Context())
	report := map[string]any{
		"status":     status,
		"components": components,
	}
	if s.deps.Executor != nil {
		report["breakers"] = s.deps.Executor.Breakers().States()
	}
	if s.deps.Workers != nil {
		report["workers"] = s.deps.Workers.Health()
	}
	return c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Workflows
// -----------------------------------------------------------------------------

func (s *Server) listFormats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Catalog.Formats())
}

func (s *Server) listWorkflows(c echo.Context) error {
	workflows, err := s.deps.Manager.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}

	summaries := make([]domain.ProgressSummary, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, s.deps.Manager.Machine().GetProgressSummary(w))
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}

	w, err := s.deps.Manager.InitializeWorkflow(c.Request().Context(), req.ProjectID, domain.ProjectDescriptor{
		Format:      req.Format,
		Workers:     req.Workers,
		Title:       req.Title,
		Brief:       req.Brief,
		Preferences: req.Preferences,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (s *Server) getWorkflow(c echo.Context) error {
	w, err := s.deps.Manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) getProgress(c echo.Context) error {
	summary, err := s.deps.Manager.GetProgressSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) transition(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.deps.Manager.TransitionToNextStage(
		c.Request().Context(), c.Param("id"), req.Output, req.QualityCheck)
	if err != nil {
		return httpError(err)
	}

	code := http.StatusOK
	if !result.Success {
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, toTransitionResponse(result))
}

func (s *Server) reportFailure(c echo.Context) error {
	var req FailureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Kind != "" && !req.Kind.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown error kind: "+string(req.Kind))
	}

	result, err := s.deps.Manager.HandleStageFailure(c.Request().Context(), c.Param("id"), domain.StageError{
		Kind:     req.Kind,
		Severity: req.Severity,
		Message:  req.Message,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, FailureResponse{
		ShouldRetry:       result.ShouldRetry,
		MaxRetriesReached: result.MaxRetriesReached,
		RetryCount:        result.RetryCount,
		Status:            result.Status,
	})
}

func (s *Server) startStage(c echo.Context) error {
	return s.statusChange(c, s.deps.Manager.StartStage)
}

func (s *Server) markReview(c echo.Context) error {
	return s.statusChange(c, s.deps.Manager.MarkReviewRequired)
}

func (s *Server) resetStage(c echo.Context) error {
	return s.statusChange(c, s.deps.Manager.ResetStage)
}

func (s *Server) statusChange(c echo.Context, fn func(ctx context.Context, id string) error) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := fn(ctx, id); err != nil {
		return httpError(err)
	}
	summary, err := s.deps.Manager.GetProgressSummary(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// run executes the current stage, or every remaining stage with ?mode=all.
func (s *Server) run(c echo.Context) error {
	if s.deps.Runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no workers configured")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	if c.QueryParam("mode") == "all" {
		summary, err := s.deps.Runner.RunToCompletion(ctx, id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, RunResponse{Summary: summary})
	}

	res, err := s.deps.Runner.RunStage(ctx, id)
	if err != nil {
		return httpError(err)
	}
	summary, err := s.deps.Manager.GetProgressSummary(ctx, id)
	if err != nil {
		return httpError(err)
	}
	resp := RunResponse{Stage: res.Stage, Attempts: res.Attempts, Summary: summary}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Recovery
// -----------------------------------------------------------------------------

func (s *Server) recoveryStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Executor.GetErrorStatistics(c.QueryParam("worker")))
}

func (s *Server) recoveryHistory(c echo.Context) error {
	op := c.QueryParam("operation")
	if op == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operation is required")
	}
	return c.JSON(http.StatusOK, s.deps.Executor.History(op))
}

func (s *Server) resetBreaker(c echo.Context) error {
	workerID := c.Param("worker")
	for _, st := range s.deps.Executor.Breakers().States() {
		if st.WorkerID == workerID {
			s.deps.Executor.ResetCircuitBreaker(workerID)
			return c.JSON(http.StatusOK, s.deps.Executor.Breakers().Get(workerID).State())
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "no circuit breaker for worker "+workerID)
}

func (s *Server) listFailures(c echo.Context) error {
	if s.deps.Failures == nil {
		return c.JSON(http.StatusOK, []domain.FailedStage{})
	}
	failed, err := s.deps.Failures.GetAll(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, failed)
}

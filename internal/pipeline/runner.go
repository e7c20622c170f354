// Package pipeline drives workflows by executing their stages on workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/core/workflow"
	"github.com/vietddude/maestro/internal/infra/worker"
	"github.com/vietddude/maestro/internal/metrics"
	"github.com/vietddude/maestro/internal/recovery"
)

var (
	// ErrLocked is returned when another runner holds the workflow.
	ErrLocked = errors.New("workflow is being run elsewhere")

	// ErrStageNotRunnable is returned when the current stage waits on an
	// operator (blocked, failed or under review).
	ErrStageNotRunnable = errors.New("current stage is not runnable")

	// ErrWorkerUnavailable is returned when the stage's worker is behind an
	// open circuit and was not called.
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// Locker provides a cross-process lock per workflow.
type Locker interface {
	AcquireLock(ctx context.Context, workflowID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, workflowID string) error
	RefreshLock(ctx context.Context, workflowID string, ttl time.Duration) error
}

// Workers resolves a worker identity to a worker.
type Workers interface {
	Get(name string) (worker.Worker, error)
}

// Config tunes the runner.
type Config struct {
	LockTTL time.Duration    `yaml:"lock_ttl"`
	Retry   *recovery.Config `yaml:"retry"`
}

// StageResult is the outcome of one RunStage call.
type StageResult struct {
	WorkflowID string
	Stage      string
	Attempts   int
	Transition *workflow.TransitionResult
	Failure    *workflow.FailureResult
	Err        error
}

// Completed reports whether the stage produced an accepted output.
func (r StageResult) Completed() bool {
	return r.Transition != nil && r.Transition.Success
}

// Runner executes the current stage of a workflow through the resilient
// executor and reports the outcome to the manager.
type Runner struct {
	manager  *workflow.Manager
	executor *recovery.Executor
	workers  Workers
	locker   Locker
	cfg      Config
}

// NewRunner creates a runner. Locking is disabled until SetLocker is called.
func NewRunner(manager *workflow.Manager, executor *recovery.Executor, workers Workers, cfg Config) *Runner {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Runner{
		manager:  manager,
		executor: executor,
		workers:  workers,
		cfg:      cfg,
	}
}

// SetLocker enables cross-process locking.
func (r *Runner) SetLocker(l Locker) {
	r.locker = l
}

// RunStage executes the current stage of workflow id once, retries included.
func (r *Runner) RunStage(ctx context.Context, id string) (StageResult, error) {
	release, err := r.lock(ctx, id)
	if err != nil {
		return StageResult{}, err
	}
	defer release()

	return r.runStage(ctx, id)
}

// RunToCompletion runs stages until the workflow is terminal or parked on
// an operator decision. The returned summary reflects where it stopped.
func (r *Runner) RunToCompletion(ctx context.Context, id string) (domain.ProgressSummary, error) {
	release, err := r.lock(ctx, id)
	if err != nil {
		return domain.ProgressSummary{}, err
	}
	defer release()

	for {
		res, err := r.runStage(ctx, id)
		if err != nil {
			return domain.ProgressSummary{}, err
		}
		if !r.shouldContinue(res) {
			break
		}
		if r.locker != nil {
			if err := r.locker.RefreshLock(ctx, id, r.cfg.LockTTL); err != nil {
				slog.Warn("Failed to refresh workflow lock", "workflow", id, "error", err)
			}
		}
	}
	return r.manager.GetProgressSummary(ctx, id)
}

func (r *Runner) shouldContinue(res StageResult) bool {
	switch {
	case res.Transition != nil:
		t := res.Transition
		return t.Success && !t.Terminal && len(t.Blocked) == 0
	case res.Failure != nil:
		return res.Failure.ShouldRetry
	default:
		return false
	}
}

func (r *Runner) runStage(ctx context.Context, id string) (StageResult, error) {
	w, err := r.manager.Get(ctx, id)
	if err != nil {
		return StageResult{}, err
	}
	if w.IsTerminal() {
		return StageResult{}, workflow.ErrWorkflowCompleted
	}
	cur := w.Current()
	if cur == nil {
		return StageResult{}, fmt.Errorf("%w: %s", workflow.ErrStageNotActive, w.CurrentStage)
	}

	wk, err := r.workers.Get(cur.Worker)
	if err != nil {
		return StageResult{}, err
	}

	switch cur.Status {
	case domain.StageStatusReady:
		if err := r.manager.StartStage(ctx, id); err != nil {
			return StageResult{}, err
		}
	case domain.StageStatusInProgress:
		slog.Info("Resuming interrupted stage", "workflow", id, "stage", cur.Name)
	default:
		return StageResult{}, fmt.Errorf("%w: %s is %s", ErrStageNotRunnable, cur.Name, cur.Status)
	}

	base := worker.Request{
		WorkflowID: w.ID,
		ProjectID:  w.ProjectID,
		Title:      w.Title,
		Format:     w.Format,
		Stage:      cur.Name,
		Worker:     cur.Worker,
		Context:    w.Context,
		Previous:   w.Outputs(),
	}
	op := func(ctx context.Context, a recovery.Attempt) (any, error) {
		req := base
		req.Attempt = cur.RetryCount + a.Number
		req.LastError = a.LastKind
		req.LastStrategy = string(a.LastStrategy)
		return wk.Execute(ctx, req)
	}

	start := time.Now()
	operationID := fmt.Sprintf("%s/%s", w.ID, cur.Name)
	exec := r.executor.ExecuteWithRecovery(ctx, operationID, cur.Worker, op, r.cfg.Retry)
	result := StageResult{WorkflowID: id, Stage: cur.Name, Attempts: exec.Attempts}

	if exec.Success {
		output, ok := exec.Result.(domain.StageOutput)
		if !ok {
			return result, fmt.Errorf("worker %s returned %T", cur.Worker, exec.Result)
		}
		tr, err := r.manager.TransitionToNextStage(ctx, id, output, nil)
		if err != nil {
			return result, err
		}
		result.Transition = &tr
		if !tr.Success {
			// Gate verdicts are not retried; the stage waits for review.
			result.Err = tr.Err
			if err := r.manager.MarkReviewRequired(ctx, id); err != nil {
				return result, err
			}
			r.observe(cur.Worker, "blocked", start)
			return result, nil
		}
		r.observe(cur.Worker, "completed", start)
		slog.Info("Stage completed",
			"workflow", id,
			"stage", cur.Name,
			"attempts", exec.Attempts,
			"next", tr.NextStage,
		)
		return result, nil
	}

	// A canceled run leaves the stage in progress so it can be resumed.
	if errors.Is(exec.Err, recovery.ErrCanceled) {
		return result, exec.Err
	}

	// Nothing ran, so the stage keeps its retry budget and stays in
	// progress until the breaker lets a call through.
	if errors.Is(exec.Err, recovery.ErrCircuitOpen) && exec.Attempts == 0 {
		r.observe(cur.Worker, "unavailable", start)
		slog.Warn("Worker circuit open, stage deferred", "workflow", id, "stage", cur.Name, "worker", cur.Worker)
		return result, fmt.Errorf("%w: %s: %w", ErrWorkerUnavailable, cur.Worker, exec.Err)
	}

	kind := exec.ErrorKind
	if kind == "" && errors.Is(exec.Err, recovery.ErrCircuitOpen) {
		kind = domain.ErrorKindNetwork
	}
	fr, err := r.manager.HandleStageFailure(ctx, id, domain.StageError{
		Kind:     kind,
		Message:  exec.Err.Error(),
		Attempts: exec.Attempts,
	})
	if err != nil {
		return result, err
	}
	result.Failure = &fr
	result.Err = exec.Err

	outcome := "retry"
	if fr.MaxRetriesReached {
		outcome = "failed"
	}
	r.observe(cur.Worker, outcome, start)
	slog.Warn("Stage run failed",
		"workflow", id,
		"stage", cur.Name,
		"kind", kind,
		"attempts", exec.Attempts,
		"retry", fr.ShouldRetry,
	)
	return result, nil
}

func (r *Runner) observe(workerName, outcome string, start time.Time) {
	metrics.StageRunDuration.WithLabelValues(workerName, outcome).Observe(time.Since(start).Seconds())
}

func (r *Runner) lock(ctx context.Context, id string) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	ok, err := r.locker.AcquireLock(ctx, id, r.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire workflow lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, id)
	}
	return func() {
		if err := r.locker.ReleaseLock(context.WithoutCancel(ctx), id); err != nil {
			slog.Warn("Failed to release workflow lock", "workflow", id, "error", err)
		}
	}, nil
}

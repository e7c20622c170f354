package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/infra/storage"
	"github.com/vietddude/maestro/internal/metrics"
)

// Publisher receives a progress summary after every persisted change.
type Publisher interface {
	Publish(ctx context.Context, summary domain.ProgressSummary) error
}

// FailureQueue records stages that exhausted their retry ceiling.
type FailureQueue interface {
	Add(ctx context.Context, fs domain.FailedStage) error
	MarkResolved(ctx context.Context, workflowID string) error
}

// Manager serializes state machine operations per workflow and persists
// the result. Operations run on a clone; the stored instance is replaced
// only after the repository accepts the write.
type Manager struct {
	machine   *Machine
	repo      storage.WorkflowRepository
	publisher Publisher
	failures  FailureQueue

	mu            sync.Mutex
	locks         map[string]*instanceLock
	stateCallback func(workflowID string, t Transition)
}

// NewManager creates a manager. publisher may be nil.
func NewManager(machine *Machine, repo storage.WorkflowRepository, publisher Publisher) *Manager {
	return &Manager{
		machine:   machine,
		repo:      repo,
		publisher: publisher,
		locks:     make(map[string]*instanceLock),
	}
}

// SetFailureQueue registers where permanently failed stages are reported.
func (m *Manager) SetFailureQueue(q FailureQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = q
}

// Machine returns the state machine the manager drives.
func (m *Manager) Machine() *Machine {
	return m.machine
}

// InitializeWorkflow creates and stores a workflow for projectID.
func (m *Manager) InitializeWorkflow(
	ctx context.Context,
	projectID string,
	project domain.ProjectDescriptor,
) (*domain.WorkflowInstance, error) {
	w, err := m.machine.InitializeWorkflow(projectID, project)
	if err != nil {
		return nil, err
	}

	snap := lastSnapshot(w)
	if err := m.repo.Save(ctx, w, snap); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	metrics.WorkflowsActive.Inc()
	slog.Info("Workflow initialized",
		"workflow", w.ID,
		"project", projectID,
		"format", w.Format,
		"stages", len(w.Stages),
	)
	m.afterSave(ctx, w, snap)
	return w.Clone(), nil
}

// Get retrieves a workflow by ID.
func (m *Manager) Get(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	return m.repo.Get(ctx, id)
}

// GetByProject retrieves the workflow owned by projectID.
func (m *Manager) GetByProject(ctx context.Context, projectID string) (*domain.WorkflowInstance, error) {
	return m.repo.GetByProject(ctx, projectID)
}

// List returns every stored workflow.
func (m *Manager) List(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	return m.repo.List(ctx)
}

// TransitionToNextStage submits output for the current stage of workflow id.
func (m *Manager) TransitionToNextStage(
	ctx context.Context,
	id string,
	output domain.StageOutput,
	check *domain.QualityCheck,
) (TransitionResult, error) {
	var result TransitionResult
	var stage, format string
	err := m.mutate(ctx, id, func(w *domain.WorkflowInstance) error {
		stage, format = w.CurrentStage, w.Format
		var err error
		result, err = m.machine.TransitionToNextStage(w, output, check)
		return err
	})
	if err != nil {
		return TransitionResult{}, err
	}

	outcome := "completed"
	if !result.Success {
		outcome = "blocked"
		slog.Warn("Stage transition blocked by quality gates",
			"workflow", id,
			"stage", stage,
			"gates", result.Evaluation.Blocking,
		)
	}
	metrics.StageTransitions.WithLabelValues(format, stage, outcome).Inc()
	if result.Terminal {
		metrics.WorkflowsActive.Dec()
		slog.Info("Workflow completed", "workflow", id, "format", format)
	}
	return result, nil
}

// HandleStageFailure reports a failure of the current stage of workflow id.
func (m *Manager) HandleStageFailure(
	ctx context.Context,
	id string,
	stageErr domain.StageError,
) (FailureResult, error) {
	var result FailureResult
	var failed domain.FailedStage
	err := m.mutate(ctx, id, func(w *domain.WorkflowInstance) error {
		var err error
		result, err = m.machine.HandleStageFailure(w, stageErr)
		if err != nil {
			return err
		}
		cur := w.Current()
		stageErr = cur.Errors[len(cur.Errors)-1]
		failed = domain.FailedStage{
			WorkflowID: w.ID,
			ProjectID:  w.ProjectID,
			Stage:      cur.Name,
			Worker:     cur.Worker,
			Kind:       stageErr.Kind,
			Message:    stageErr.Message,
			RetryCount: cur.RetryCount,
			FailedAt:   stageErr.At,
		}
		return nil
	})
	if err != nil {
		return FailureResult{}, err
	}
	stage := failed.Stage

	outcome := "retry"
	if result.MaxRetriesReached {
		outcome = "failed"
		slog.Error("Stage failed permanently",
			"workflow", id,
			"stage", stage,
			"kind", stageErr.Kind,
			"retries", result.RetryCount,
		)
		if q := m.failureQueue(); q != nil {
			if err := q.Add(ctx, failed); err != nil {
				slog.Warn("Failed to enqueue failed stage", "workflow", id, "error", err)
			}
		}
	}
	metrics.StageFailures.WithLabelValues(stage, string(stageErr.Severity), outcome).Inc()
	return result, nil
}

// StartStage marks the current stage of workflow id as in progress.
func (m *Manager) StartStage(ctx context.Context, id string) error {
	return m.mutate(ctx, id, m.machine.StartStage)
}

// MarkReviewRequired parks the current stage of workflow id for review.
func (m *Manager) MarkReviewRequired(ctx context.Context, id string) error {
	return m.mutate(ctx, id, m.machine.MarkReviewRequired)
}

// ResetStage returns a failed, blocked or under-review current stage to ready.
func (m *Manager) ResetStage(ctx context.Context, id string) error {
	if err := m.mutate(ctx, id, m.machine.ResetStage); err != nil {
		return err
	}
	if q := m.failureQueue(); q != nil {
		if err := q.MarkResolved(ctx, id); err != nil {
			slog.Warn("Failed to resolve failed stage", "workflow", id, "error", err)
		}
	}
	return nil
}

// CanProceedToNext reports whether workflow id can move to its next stage.
func (m *Manager) CanProceedToNext(ctx context.Context, id string) (bool, error) {
	w, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return m.machine.CanProceedToNext(w), nil
}

// GetProgressSummary returns the progress projection of workflow id.
func (m *Manager) GetProgressSummary(ctx context.Context, id string) (domain.ProgressSummary, error) {
	w, err := m.repo.Get(ctx, id)
	if err != nil {
		return domain.ProgressSummary{}, err
	}
	return m.machine.GetProgressSummary(w), nil
}

// SetTransitionCallback registers a callback for persisted status changes.
func (m *Manager) SetTransitionCallback(fn func(workflowID string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

// mutate loads workflow id, applies fn and persists the result when fn
// recorded a new snapshot. fn must not keep references to w.
func (m *Manager) mutate(ctx context.Context, id string, fn func(w *domain.WorkflowInstance) error) error {
	unlock := m.lock(id)
	defer unlock()

	stored, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	w := stored.Clone()
	before := lastSnapshot(w)

	if err := fn(w); err != nil {
		return err
	}

	snap := lastSnapshot(w)
	if snap == nil || (before != nil && snap.Sequence == before.Sequence) {
		return nil
	}
	if err := m.repo.Save(ctx, w, snap); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	m.afterSave(ctx, w, snap)
	return nil
}

func (m *Manager) afterSave(ctx context.Context, w *domain.WorkflowInstance, snap *domain.Snapshot) {
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, m.machine.GetProgressSummary(w)); err != nil {
			slog.Warn("Failed to publish workflow progress", "workflow", w.ID, "error", err)
		}
	}

	m.mu.Lock()
	cb := m.stateCallback
	m.mu.Unlock()
	if cb != nil && snap != nil {
		cb(w.ID, Transition{
			Stage:     snap.Stage,
			From:      snap.From,
			To:        snap.To,
			Reason:    snap.Reason,
			Timestamp: snap.At,
		})
	}
}

func (m *Manager) failureQueue() FailureQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// instanceLock serializes operations on one workflow. refs counts holders
// and waiters so the entry can be dropped once nobody needs it.
type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func (m *Manager) lock(id string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &instanceLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// IsNotFound reports whether err means the workflow does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrWorkflowNotFound)
}

func lastSnapshot(w *domain.WorkflowInstance) *domain.Snapshot {
	if len(w.StateHistory) == 0 {
		return nil
	}
	s := w.StateHistory[len(w.StateHistory)-1]
	return &s
}

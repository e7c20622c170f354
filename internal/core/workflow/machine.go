package workflow

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/pipeline/quality"
	"github.com/vietddude/maestro/internal/pipeline/stages"
)

var (
	// ErrInvalidProject is returned when a project descriptor is malformed.
	ErrInvalidProject = errors.New("invalid project")

	// ErrWorkflowCompleted is returned when operating on a terminal workflow.
	ErrWorkflowCompleted = errors.New("workflow already completed")

	// ErrQualityGateFailed is set on a TransitionResult blocked by a required gate.
	ErrQualityGateFailed = errors.New("quality gate failed")

	// ErrStageNotActive is returned when the current stage cannot accept the operation.
	ErrStageNotActive = errors.New("stage not active")
)

// Config holds state machine settings.
type Config struct {
	HistoryLimit            int     `yaml:"history_limit"`
	HistoryKeep             int     `yaml:"history_keep"`
	SummaryLimit            int     `yaml:"summary_limit"`
	MinQualityScore         float64 `yaml:"min_quality_score"`
	FallbackToDefaultFormat bool    `yaml:"fallback_to_default_format"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	HistoryLimit:    100,
	HistoryKeep:     50,
	SummaryLimit:    defaultSummaryLimit,
	MinQualityScore: quality.DefaultMinimumQuality,
}

// TransitionResult is the outcome of TransitionToNextStage.
type TransitionResult struct {
	Success    bool
	NextStage  string
	Terminal   bool
	Blocked    []string
	Evaluation quality.Evaluation
	Err        error
}

// FailureResult is the outcome of HandleStageFailure.
type FailureResult struct {
	ShouldRetry       bool
	MaxRetriesReached bool
	RetryCount        int
	Status            Status
}

// Machine applies the stage state machine to a single WorkflowInstance.
// It does no locking; callers serialize access per instance.
type Machine struct {
	cfg     Config
	catalog *stages.Catalog
	gates   *quality.Registry
	clock   clock.Clock
}

// NewMachine creates a state machine over the given formats and gates.
func NewMachine(cfg Config, catalog *stages.Catalog, gates *quality.Registry, clk clock.Clock) *Machine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig.HistoryLimit
	}
	if cfg.HistoryKeep <= 0 || cfg.HistoryKeep > cfg.HistoryLimit {
		cfg.HistoryKeep = min(DefaultConfig.HistoryKeep, cfg.HistoryLimit)
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = DefaultConfig.SummaryLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{cfg: cfg, catalog: catalog, gates: gates, clock: clk}
}

// InitializeWorkflow builds a new instance for the project's format.
func (m *Machine) InitializeWorkflow(
	projectID string,
	project domain.ProjectDescriptor,
) (*domain.WorkflowInstance, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: missing project id", ErrInvalidProject)
	}
	if strings.TrimSpace(project.Format) == "" {
		return nil, fmt.Errorf("%w: missing format", ErrInvalidProject)
	}

	format, stageList, err := m.catalog.Build(project.Format, project.Workers)
	if err != nil {
		return nil, err
	}
	for _, s := range stageList {
		if _, err := m.gates.Resolve(s.Worker, s.Gates); err != nil {
			return nil, fmt.Errorf("format %s stage %s: %w", format.ID, s.Name, err)
		}
	}

	now := m.clock.Now()
	w := &domain.WorkflowInstance{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		Title:           project.Title,
		Format:          format.ID,
		Stages:          stageList,
		CurrentStage:    stageList[0].Name,
		CompletedStages: []string{},
		PendingStages:   []string{},
		Context:         domain.NewProjectContext(project.Preferences),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(stageList) > 1 {
		w.NextStage = stageList[1].Name
	}
	for _, s := range stageList[min(2, len(stageList)):] {
		w.PendingStages = append(w.PendingStages, s.Name)
	}

	first := w.Current()
	first.Status = domain.StageStatusReady
	if missing := missingRequirements(w, first.Requires); len(missing) > 0 {
		first.Status = domain.StageStatusBlocked
	}

	m.refreshMetadata(w, now)
	m.snapshot(w, Transition{
		Stage:     first.Name,
		From:      domain.StageStatusNotStarted,
		To:        first.Status,
		Reason:    "initialized",
		Timestamp: now,
	})
	return w, nil
}

// TransitionToNextStage validates output against the current stage's gates
// and, if every required gate passes, completes the stage and promotes the
// next one. A blocked transition leaves w untouched.
func (m *Machine) TransitionToNextStage(
	w *domain.WorkflowInstance,
	output domain.StageOutput,
	check *domain.QualityCheck,
) (TransitionResult, error) {
	if w.IsTerminal() {
		return TransitionResult{}, ErrWorkflowCompleted
	}
	cur := w.Current()
	if cur == nil {
		return TransitionResult{}, fmt.Errorf("%w: current stage %q missing", ErrStageNotActive, w.CurrentStage)
	}
	if !CanTransition(cur.Status, domain.StageStatusCompleted) {
		return TransitionResult{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, cur.Name, cur.Status)
	}

	bindings, err := m.gates.Resolve(cur.Worker, cur.Gates)
	if err != nil {
		return TransitionResult{}, err
	}

	now := m.clock.Now()
	if output.ID == "" {
		output.ID = uuid.New().String()
	}
	output.Stage = cur.Name
	output.Worker = cur.Worker
	if output.CreatedAt.IsZero() {
		output.CreatedAt = now
	}

	eval, err := m.gates.Evaluate(bindings, output, w.Context, check)
	if err != nil {
		return TransitionResult{}, err
	}
	if !eval.Passed {
		return TransitionResult{
			Success:    false,
			NextStage:  w.NextStage,
			Evaluation: eval,
			Err:        fmt.Errorf("%w: %s", ErrQualityGateFailed, strings.Join(eval.Blocking, ", ")),
		}, nil
	}

	// Commit. Nothing below can fail.
	from := cur.Status
	cur.Outputs = append(cur.Outputs, output)
	cur.Status = domain.StageStatusCompleted
	cur.CompletedAt = &now
	if cur.StartedAt != nil {
		cur.ActualDuration = now.Sub(*cur.StartedAt)
	}
	applyDeclarations(&w.Context, cur, output, now, m.cfg.SummaryLimit)

	result := TransitionResult{Success: true, Evaluation: eval}

	if next := w.Next(); next != nil {
		w.CompletedStages = append(w.CompletedStages, cur.Name)
		w.CurrentStage = next.Name
		w.NextStage = ""
		if len(w.PendingStages) > 0 {
			w.NextStage = w.PendingStages[0]
			w.PendingStages = w.PendingStages[1:]
		}

		next.Status = domain.StageStatusReady
		if missing := missingRequirements(w, next.Requires); len(missing) > 0 {
			next.Status = domain.StageStatusBlocked
			result.Blocked = missing
		}
		result.NextStage = next.Name
	} else {
		result.Terminal = true
	}

	w.UpdatedAt = now
	m.refreshMetadata(w, now)
	m.snapshot(w, Transition{
		Stage:     cur.Name,
		From:      from,
		To:        domain.StageStatusCompleted,
		Reason:    "stage completed",
		Timestamp: now,
	})
	return result, nil
}

// HandleStageFailure logs a failure on the current stage and applies the
// severity retry ceiling. Past the ceiling the stage fails; otherwise it
// returns to ready.
func (m *Machine) HandleStageFailure(w *domain.WorkflowInstance, stageErr domain.StageError) (FailureResult, error) {
	if w.IsTerminal() {
		return FailureResult{}, ErrWorkflowCompleted
	}
	cur := w.Current()
	if cur == nil {
		return FailureResult{}, fmt.Errorf("%w: %s", ErrStageNotActive, w.CurrentStage)
	}
	switch cur.Status {
	case domain.StageStatusFailed, domain.StageStatusCompleted, domain.StageStatusBlocked:
		// A blocked stage never ran, so there is nothing to retry.
		return FailureResult{}, fmt.Errorf("%w: %s is %s", ErrStageNotActive, cur.Name, cur.Status)
	}

	now := m.clock.Now()
	if !stageErr.Kind.IsValid() {
		stageErr.Kind = domain.ErrorKindUnknown
	}
	if stageErr.Severity == "" {
		stageErr.Severity = domain.SeverityFor(stageErr.Kind)
	}
	if stageErr.At.IsZero() {
		stageErr.At = now
	}

	from := cur.Status
	retries := cur.RetryCount + 1
	result := FailureResult{RetryCount: retries}
	to := domain.StageStatusReady
	if retries > stageErr.Severity.RetryCeiling() {
		to = domain.StageStatusFailed
		result.MaxRetriesReached = true
	} else {
		result.ShouldRetry = true
	}
	if !(Transition{From: from, To: to}).IsValid() {
		return FailureResult{}, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.Name, from, to)
	}

	cur.Errors = append(cur.Errors, stageErr)
	cur.RetryCount = retries
	cur.Status = to
	result.Status = to

	w.UpdatedAt = now
	m.refreshMetadata(w, now)
	m.snapshot(w, Transition{
		Stage:     cur.Name,
		From:      from,
		To:        cur.Status,
		Reason:    fmt.Sprintf("failure: %s (%s)", stageErr.Kind, stageErr.Severity),
		Timestamp: now,
	})
	return result, nil
}

// StartStage marks the current stage as in progress.
func (m *Machine) StartStage(w *domain.WorkflowInstance) error {
	return m.setCurrentStatus(w, domain.StageStatusInProgress, "execution started", func(s *domain.Stage, now time.Time) {
		s.StartedAt = &now
	})
}

// MarkReviewRequired parks the current stage until its output is approved.
func (m *Machine) MarkReviewRequired(w *domain.WorkflowInstance) error {
	return m.setCurrentStatus(w, domain.StageStatusReviewRequired, "review requested", nil)
}

// ResetStage returns a failed, blocked or under-review current stage to
// ready and clears its retry count, so its worker is asked again.
func (m *Machine) ResetStage(w *domain.WorkflowInstance) error {
	cur := w.Current()
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrStageNotActive, w.CurrentStage)
	}
	switch cur.Status {
	case domain.StageStatusFailed, domain.StageStatusBlocked, domain.StageStatusReviewRequired:
	default:
		return fmt.Errorf("%w: only failed, blocked or review_required stages can be reset", ErrInvalidTransition)
	}
	return m.setCurrentStatus(w, domain.StageStatusReady, "reset", func(s *domain.Stage, _ time.Time) {
		s.RetryCount = 0
	})
}

func (m *Machine) setCurrentStatus(
	w *domain.WorkflowInstance,
	to Status,
	reason string,
	mutate func(*domain.Stage, time.Time),
) error {
	if w.IsTerminal() {
		return ErrWorkflowCompleted
	}
	cur := w.Current()
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrStageNotActive, w.CurrentStage)
	}
	if !CanTransition(cur.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.Name, cur.Status, to)
	}

	now := m.clock.Now()
	from := cur.Status
	cur.Status = to
	if mutate != nil {
		mutate(cur, now)
	}
	w.UpdatedAt = now
	m.snapshot(w, Transition{Stage: cur.Name, From: from, To: to, Reason: reason, Timestamp: now})
	return nil
}

// CanProceedToNext reports whether the current stage is completed and a
// next stage exists.
func (m *Machine) CanProceedToNext(w *domain.WorkflowInstance) bool {
	cur := w.Current()
	return cur != nil && cur.Status == domain.StageStatusCompleted && w.NextStage != ""
}

// GetProgressSummary projects the instance into a ProgressSummary.
func (m *Machine) GetProgressSummary(w *domain.WorkflowInstance) domain.ProgressSummary {
	summary := domain.ProgressSummary{
		WorkflowID:          w.ID,
		ProjectID:           w.ProjectID,
		CurrentStage:        w.CurrentStage,
		NextStage:           w.NextStage,
		CompletedCount:      completedCount(w),
		TotalStages:         len(w.Stages),
		ProgressPercentage:  w.Metadata.ProgressPercentage,
		QualityScore:        w.Metadata.QualityScore,
		EstimatedCompletion: w.Metadata.EstimatedCompletion,
		EstimatedRemaining:  w.Metadata.EstimatedRemaining,
		Terminal:            w.IsTerminal(),
	}
	if cur := w.Current(); cur != nil {
		summary.CurrentStatus = cur.Status
	}
	return summary
}

func (m *Machine) refreshMetadata(w *domain.WorkflowInstance, now time.Time) {
	total := len(w.Stages)
	if w.IsTerminal() {
		w.Metadata.ProgressPercentage = 100
	} else if total > 0 {
		w.Metadata.ProgressPercentage = int(math.Round(100 * float64(completedCount(w)) / float64(total)))
	}

	outputs := w.Outputs()
	if len(outputs) > 0 {
		var sum float64
		for _, o := range outputs {
			sum += o.QualityScore
		}
		w.Metadata.QualityScore = sum / float64(len(outputs))
	}

	var remaining time.Duration
	for _, s := range w.Stages {
		if s.Status != domain.StageStatusCompleted {
			remaining += s.EstimatedDuration
		}
	}
	w.Metadata.EstimatedRemaining = remaining
	w.Metadata.EstimatedCompletion = now.Add(remaining)
}

// snapshot appends a history entry, trimming to the newest HistoryKeep
// entries once HistoryLimit is exceeded.
func (m *Machine) snapshot(w *domain.WorkflowInstance, t Transition) {
	seq := 1
	if n := len(w.StateHistory); n > 0 {
		seq = w.StateHistory[n-1].Sequence + 1
	}

	statuses := make(map[string]domain.StageStatus, len(w.Stages))
	for _, s := range w.Stages {
		statuses[s.Name] = s.Status
	}

	w.StateHistory = append(w.StateHistory, domain.Snapshot{
		Sequence:        seq,
		Reason:          t.Reason,
		Stage:           t.Stage,
		From:            t.From,
		To:              t.To,
		CurrentStage:    w.CurrentStage,
		NextStage:       w.NextStage,
		CompletedStages: append([]string(nil), w.CompletedStages...),
		PendingStages:   append([]string(nil), w.PendingStages...),
		Statuses:        statuses,
		OutputCount:     len(w.Outputs()),
		DecisionCount:   len(w.Context.KeyDecisions),
		Metadata:        w.Metadata,
		At:              t.Timestamp,
	})

	if len(w.StateHistory) > m.cfg.HistoryLimit {
		kept := make([]domain.Snapshot, m.cfg.HistoryKeep)
		copy(kept, w.StateHistory[len(w.StateHistory)-m.cfg.HistoryKeep:])
		w.StateHistory = kept
	}
}

// completedCount counts completed stages, including a terminal current stage.
func completedCount(w *domain.WorkflowInstance) int {
	n := len(w.CompletedStages)
	if w.IsTerminal() {
		n++
	}
	return n
}

// missingRequirements returns the requirements not satisfied by a
// completed stage name or a declared output of a completed stage.
func missingRequirements(w *domain.WorkflowInstance, requires []string) []string {
	if len(requires) == 0 {
		return nil
	}
	satisfied := make(map[string]bool)
	for _, s := range w.Stages {
		if s.Status != domain.StageStatusCompleted {
			continue
		}
		satisfied[s.Name] = true
		for _, o := range s.Outputs {
			for _, p := range o.Declares.Provides {
				satisfied[p] = true
			}
		}
	}

	var missing []string
	for _, r := range requires {
		if !satisfied[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

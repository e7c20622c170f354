package domain

import "time"

// StageStatus is the lifecycle state of a single pipeline stage.
type StageStatus string

const (
	StageStatusNotStarted     StageStatus = "not_started"
	StageStatusReady          StageStatus = "ready"
	StageStatusInProgress     StageStatus = "in_progress"
	StageStatusReviewRequired StageStatus = "review_required"
	StageStatusCompleted      StageStatus = "completed"
	StageStatusFailed         StageStatus = "failed"
	StageStatusBlocked        StageStatus = "blocked"
)

// GateBinding attaches a named quality gate to a stage.
type GateBinding struct {
	Name     string `json:"name"     yaml:"name"`
	Required bool   `json:"required" yaml:"required"`
}

// Stage is one step of a workflow, owned by exactly one WorkflowInstance.
type Stage struct {
	Name              string        `json:"name"`
	Worker            string        `json:"worker"`
	Status            StageStatus   `json:"status"`
	Requires          []string      `json:"requires,omitempty"`
	Outputs           []StageOutput `json:"outputs,omitempty"`
	Gates             []GateBinding `json:"gates,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	ActualDuration    time.Duration `json:"actual_duration"`
	RetryCount        int           `json:"retry_count"`
	Errors            []StageError  `json:"errors,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// Metadata holds derived progress figures for a workflow.
type Metadata struct {
	ProgressPercentage  int           `json:"progress_percentage"`
	QualityScore        float64       `json:"quality_score"`
	EstimatedCompletion time.Time     `json:"estimated_completion"`
	EstimatedRemaining  time.Duration `json:"estimated_remaining"`
}

// WorkflowInstance tracks one project's progress through its stages.
//
// CurrentStage always names a stage. NextStage is empty once the pipeline
// has no further stage to promote. When the last stage completes it stays
// current with status completed and the instance is terminal.
type WorkflowInstance struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	Title           string         `json:"title,omitempty"`
	Format          string         `json:"format"`
	Stages          []Stage        `json:"stages"`
	CurrentStage    string         `json:"current_stage"`
	NextStage       string         `json:"next_stage,omitempty"`
	CompletedStages []string       `json:"completed_stages"`
	PendingStages   []string       `json:"pending_stages"`
	Context         ProjectContext `json:"context"`
	Metadata        Metadata       `json:"metadata"`
	StateHistory    []Snapshot     `json:"state_history,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Stage returns the stage with the given name, or nil.
func (w *WorkflowInstance) Stage(name string) *Stage {
	if name == "" {
		return nil
	}
	for i := range w.Stages {
		if w.Stages[i].Name == name {
			return &w.Stages[i]
		}
	}
	return nil
}

// Current returns the current stage.
func (w *WorkflowInstance) Current() *Stage {
	return w.Stage(w.CurrentStage)
}

// Next returns the next stage, or nil when none remains.
func (w *WorkflowInstance) Next() *Stage {
	return w.Stage(w.NextStage)
}

// IsTerminal reports whether every stage has completed.
func (w *WorkflowInstance) IsTerminal() bool {
	cur := w.Current()
	return cur != nil && cur.Status == StageStatusCompleted && w.NextStage == ""
}

// Outputs returns every output recorded across all stages in stage order.
func (w *WorkflowInstance) Outputs() []StageOutput {
	var all []StageOutput
	for _, s := range w.Stages {
		all = append(all, s.Outputs...)
	}
	return all
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	c := *w
	c.Stages = make([]Stage, len(w.Stages))
	for i, s := range w.Stages {
		c.Stages[i] = s.clone()
	}
	c.CompletedStages = cloneStrings(w.CompletedStages)
	c.PendingStages = cloneStrings(w.PendingStages)
	c.Context = w.Context.Clone()
	if w.StateHistory != nil {
		c.StateHistory = make([]Snapshot, len(w.StateHistory))
		copy(c.StateHistory, w.StateHistory)
	}
	return &c
}

func (s Stage) clone() Stage {
	c := s
	c.Requires = cloneStrings(s.Requires)
	if s.Outputs != nil {
		c.Outputs = make([]StageOutput, len(s.Outputs))
		for i, o := range s.Outputs {
			c.Outputs[i] = o.clone()
		}
	}
	if s.Gates != nil {
		c.Gates = make([]GateBinding, len(s.Gates))
		copy(c.Gates, s.Gates)
	}
	if s.Errors != nil {
		c.Errors = make([]StageError, len(s.Errors))
		copy(c.Errors, s.Errors)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

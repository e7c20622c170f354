package domain

import "time"

// ProjectDescriptor is what the embedding application supplies to start a workflow.
type ProjectDescriptor struct {
	Format      string   `json:"format"`
	Workers     []string `json:"workers"`
	Title       string   `json:"title"`
	Brief       string   `json:"brief"`
	Preferences []string `json:"preferences"`
}

// Snapshot is an entry of a workflow's state history.
//
// Outputs and decisions are append-only, so their counts pin down what the
// instance held at the time of the snapshot without copying them.
type Snapshot struct {
	Sequence        int                    `json:"sequence"`
	Reason          string                 `json:"reason"`
	Stage           string                 `json:"stage"`
	From            StageStatus            `json:"from"`
	To              StageStatus            `json:"to"`
	CurrentStage    string                 `json:"current_stage"`
	NextStage       string                 `json:"next_stage,omitempty"`
	CompletedStages []string               `json:"completed_stages"`
	PendingStages   []string               `json:"pending_stages"`
	Statuses        map[string]StageStatus `json:"statuses"`
	OutputCount     int                    `json:"output_count"`
	DecisionCount   int                    `json:"decision_count"`
	Metadata        Metadata               `json:"metadata"`
	At              time.Time              `json:"at"`
}

// ProgressSummary is the read-only projection returned to callers.
type ProgressSummary struct {
	WorkflowID          string        `json:"workflow_id"`
	ProjectID           string        `json:"project_id"`
	CurrentStage        string        `json:"current_stage"`
	CurrentStatus       StageStatus   `json:"current_status"`
	NextStage           string        `json:"next_stage,omitempty"`
	CompletedCount      int           `json:"completed_count"`
	TotalStages         int           `json:"total_stages"`
	ProgressPercentage  int           `json:"progress_percentage"`
	QualityScore        float64       `json:"quality_score"`
	EstimatedCompletion time.Time     `json:"estimated_completion"`
	EstimatedRemaining  time.Duration `json:"estimated_remaining"`
	Terminal            bool          `json:"terminal"`
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

var (
	// ErrWorkflowNotFound is returned when a workflow doesn't exist
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrDuplicateWorkflow is returned when a project already owns a workflow
	ErrDuplicateWorkflow = errors.New("workflow already exists for project")
)

// WorkflowRepository handles workflow instance storage operations
type WorkflowRepository interface {
	// Save upserts the instance. A non-nil snapshot is appended to the
	// transition log in the same write.
	Save(ctx context.Context, w *domain.WorkflowInstance, snap *domain.Snapshot) error

	// Get retrieves a workflow by ID
	Get(ctx context.Context, id string) (*domain.WorkflowInstance, error)

	// GetByProject retrieves the workflow owned by a project
	GetByProject(ctx context.Context, projectID string) (*domain.WorkflowInstance, error)

	// List returns every workflow, most recently updated first
	List(ctx context.Context) ([]*domain.WorkflowInstance, error)

	// Transitions returns the persisted transition log of a workflow,
	// oldest first. Unlike StateHistory it is never trimmed.
	Transitions(ctx context.Context, id string) ([]domain.Snapshot, error)
}

// AttemptRepository handles recovery attempt storage operations
type AttemptRepository interface {
	// Append stores one attempt
	Append(ctx context.Context, attempt domain.RecoveryAttempt) error

	// ListByOperation returns the newest attempts for an operation,
	// ordered by attempt number. limit <= 0 returns all.
	ListByOperation(ctx context.Context, operationID string, limit int) ([]domain.RecoveryAttempt, error)

	// DeleteOlderThan removes attempts recorded before cutoff and returns
	// how many were removed
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the repositories a backend provides.
type Store interface {
	Workflows() WorkflowRepository
	Attempts() AttemptRepository
	Close() error
}

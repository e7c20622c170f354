package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/infra/storage"
)

type workflowRow struct {
	ID           string `db:"id"`
	ProjectID    string `db:"project_id"`
	Format       string `db:"format"`
	CurrentStage string `db:"current_stage"`
	Terminal     bool   `db:"terminal"`
	Document     string `db:"document"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

type transitionRow struct {
	WorkflowID string `db:"workflow_id"`
	Sequence   int    `db:"sequence"`
	Stage      string `db:"stage"`
	FromStatus string `db:"from_status"`
	ToStatus   string `db:"to_status"`
	Reason     string `db:"reason"`
	Snapshot   string `db:"snapshot"`
	CreatedAt  int64  `db:"created_at"`
}

const upsertWorkflowQuery = `
	INSERT INTO workflows (id, project_id, format, current_stage, terminal, document, created_at, updated_at)
	VALUES (:id, :project_id, :format, :current_stage, :terminal, :document, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		current_stage = EXCLUDED.current_stage,
		terminal = EXCLUDED.terminal,
		document = EXCLUDED.document,
		updated_at = EXCLUDED.updated_at
`

const insertTransitionQuery = `
	INSERT INTO workflow_transitions (workflow_id, sequence, stage, from_status, to_status, reason, snapshot, created_at)
	VALUES (:workflow_id, :sequence, :stage, :from_status, :to_status, :reason, :snapshot, :created_at)
`

// WorkflowRepo implements storage.WorkflowRepository. The instance is kept
// as a JSON document next to a few indexed columns.
type WorkflowRepo struct {
	db *DB
}

// NewWorkflowRepo creates a new SQL workflow repository.
func NewWorkflowRepo(db *DB) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

// Save upserts the workflow and appends snap to the transition log in one
// database transaction.
func (r *WorkflowRepo) Save(ctx context.Context, w *domain.WorkflowInstance, snap *domain.Snapshot) error {
	defer observe("workflow_save", time.Now())

	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, upsertWorkflowQuery, workflowRow{
		ID:           w.ID,
		ProjectID:    w.ProjectID,
		Format:       w.Format,
		CurrentStage: w.CurrentStage,
		Terminal:     w.IsTerminal(),
		Document:     string(doc),
		CreatedAt:    w.CreatedAt.UnixNano(),
		UpdatedAt:    w.UpdatedAt.UnixNano(),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateWorkflow, w.ProjectID)
		}
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if snap != nil {
		snapDoc, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		_, err = tx.NamedExecContext(ctx, insertTransitionQuery, transitionRow{
			WorkflowID: w.ID,
			Sequence:   snap.Sequence,
			Stage:      snap.Stage,
			FromStatus: string(snap.From),
			ToStatus:   string(snap.To),
			Reason:     snap.Reason,
			Snapshot:   string(snapDoc),
			CreatedAt:  snap.At.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("failed to append transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID.
func (r *WorkflowRepo) Get(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	defer observe("workflow_get", time.Now())
	return r.getOne(ctx, `SELECT document FROM workflows WHERE id = ?`, id)
}

// GetByProject retrieves the workflow owned by projectID.
func (r *WorkflowRepo) GetByProject(ctx context.Context, projectID string) (*domain.WorkflowInstance, error) {
	defer observe("workflow_get_by_project", time.Now())
	return r.getOne(ctx, `SELECT document FROM workflows WHERE project_id = ?`, projectID)
}

func (r *WorkflowRepo) getOne(ctx context.Context, query string, arg string) (*domain.WorkflowInstance, error) {
	var doc string
	err := r.db.GetContext(ctx, &doc, r.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return decodeWorkflow(doc)
}

// List returns every workflow, most recently updated first.
func (r *WorkflowRepo) List(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	defer observe("workflow_list", time.Now())

	var docs []string
	if err := r.db.SelectContext(ctx, &docs, `SELECT document FROM workflows ORDER BY updated_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	out := make([]*domain.WorkflowInstance, 0, len(docs))
	for _, doc := range docs {
		w, err := decodeWorkflow(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Transitions returns the full transition log of a workflow.
func (r *WorkflowRepo) Transitions(ctx context.Context, id string) ([]domain.Snapshot, error) {
	defer observe("workflow_transitions", time.Now())

	var exists int
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT COUNT(*) FROM workflows WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow: %w", err)
	}
	if exists == 0 {
		return nil, storage.ErrWorkflowNotFound
	}

	var docs []string
	err = r.db.SelectContext(ctx, &docs,
		r.db.Rebind(`SELECT snapshot FROM workflow_transitions WHERE workflow_id = ? ORDER BY sequence`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}

	out := make([]domain.Snapshot, len(docs))
	for i, doc := range docs {
		if err := json.Unmarshal([]byte(doc), &out[i]); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
	}
	return out, nil
}

func decodeWorkflow(doc string) (*domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &w, nil
}

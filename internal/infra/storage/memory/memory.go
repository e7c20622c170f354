package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/infra/storage"
)

type MemoryStorage struct {
	workflows   map[string]*domain.WorkflowInstance
	projects    map[string]string
	transitions map[string][]domain.Snapshot
	attempts    map[string][]domain.RecoveryAttempt
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows:   make(map[string]*domain.WorkflowInstance),
		projects:    make(map[string]string),
		transitions: make(map[string][]domain.Snapshot),
		attempts:    make(map[string][]domain.RecoveryAttempt),
	}
}

func (s *MemoryStorage) Workflows() storage.WorkflowRepository { return NewWorkflowRepo(s) }
func (s *MemoryStorage) Attempts() storage.AttemptRepository   { return NewAttemptRepo(s) }
func (s *MemoryStorage) Close() error                          { return nil }

// -----------------------------------------------------------------------------
// Workflow Repository
// -----------------------------------------------------------------------------

type WorkflowRepo struct {
	store *MemoryStorage
}

func NewWorkflowRepo(store *MemoryStorage) *WorkflowRepo {
	return &WorkflowRepo{store: store}
}

func (r *WorkflowRepo) Save(ctx context.Context, w *domain.WorkflowInstance, snap *domain.Snapshot) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if owner, ok := r.store.projects[w.ProjectID]; ok && owner != w.ID {
		return storage.ErrDuplicateWorkflow
	}
	r.store.workflows[w.ID] = w.Clone()
	r.store.projects[w.ProjectID] = w.ID
	if snap != nil {
		r.store.transitions[w.ID] = append(r.store.transitions[w.ID], *snap)
	}
	return nil
}

func (r *WorkflowRepo) Get(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	w, ok := r.store.workflows[id]
	if !ok {
		return nil, storage.ErrWorkflowNotFound
	}
	return w.Clone(), nil
}

func (r *WorkflowRepo) GetByProject(ctx context.Context, projectID string) (*domain.WorkflowInstance, error) {
	r.store.mu.RLock()
	id, ok := r.store.projects[projectID]
	r.store.mu.RUnlock()
	if !ok {
		return nil, storage.ErrWorkflowNotFound
	}
	return r.Get(ctx, id)
}

func (r *WorkflowRepo) List(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.WorkflowInstance, 0, len(r.store.workflows))
	for _, w := range r.store.workflows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *WorkflowRepo) Transitions(ctx context.Context, id string) ([]domain.Snapshot, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if _, ok := r.store.workflows[id]; !ok {
		return nil, storage.ErrWorkflowNotFound
	}
	return slices.Clone(r.store.transitions[id]), nil
}

// -----------------------------------------------------------------------------
// Attempt Repository
// -----------------------------------------------------------------------------

type AttemptRepo struct {
	store *MemoryStorage
}

func NewAttemptRepo(store *MemoryStorage) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) Append(ctx context.Context, a domain.RecoveryAttempt) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.attempts[a.OperationID] = append(r.store.attempts[a.OperationID], a)
	return nil
}

func (r *AttemptRepo) ListByOperation(
	ctx context.Context,
	operationID string,
	limit int,
) ([]domain.RecoveryAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	all := r.store.attempts[operationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}

func (r *AttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var removed int64
	for op, attempts := range r.store.attempts {
		kept := attempts[:0]
		for _, a := range attempts {
			if a.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(r.store.attempts, op)
			continue
		}
		r.store.attempts[op] = kept
	}
	return removed, nil
}

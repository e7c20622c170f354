package recovery

import (
	"sync"

	"github.com/vietddude/maestro/internal/core/domain"
)

const (
	defaultHistoryLimit  = 100
	defaultHistoryKeep   = 50
	defaultMaxOperations = 1000
)

// History keeps recent attempts per operation id. Once an operation's list
// grows past limit it is cut back to the newest keep entries.
type History struct {
	mu            sync.RWMutex
	limit         int
	keep          int
	maxOperations int
	byOp          map[string][]domain.RecoveryAttempt
	order         []string // operation ids, oldest first
}

// NewHistory creates a bounded history. Non-positive values use defaults.
func NewHistory(limit, keep int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if keep <= 0 || keep > limit {
		keep = min(defaultHistoryKeep, limit)
	}
	return &History{
		limit:         limit,
		keep:          keep,
		maxOperations: defaultMaxOperations,
		byOp:          make(map[string][]domain.RecoveryAttempt),
	}
}

// Append records an attempt.
func (h *History) Append(a domain.RecoveryAttempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list, seen := h.byOp[a.OperationID]
	if !seen {
		h.order = append(h.order, a.OperationID)
		if len(h.order) > h.maxOperations {
			delete(h.byOp, h.order[0])
			h.order = h.order[1:]
		}
	}

	list = append(list, a)
	if len(list) > h.limit {
		trimmed := make([]domain.RecoveryAttempt, h.keep)
		copy(trimmed, list[len(list)-h.keep:])
		list = trimmed
	}
	h.byOp[a.OperationID] = list
}

// Get returns a copy of the attempts recorded for operationID.
func (h *History) Get(operationID string) []domain.RecoveryAttempt {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.byOp[operationID]
	out := make([]domain.RecoveryAttempt, len(list))
	copy(out, list)
	return out
}

// Each calls fn for every retained attempt.
func (h *History) Each(fn func(domain.RecoveryAttempt)) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range h.order {
		for _, a := range h.byOp[id] {
			fn(a)
		}
	}
}

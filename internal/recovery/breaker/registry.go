package breaker

import (
	"sort"
	"sync"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
)

// Registry lazily creates one breaker per worker identity.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	clock    clock.Clock
	breakers map[string]*Breaker
	onChange func(workerID string, from, to domain.CircuitState)
}

// NewRegistry creates an empty registry sharing cfg across all workers.
func NewRegistry(cfg Config, clk clock.Clock) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clk,
		breakers: make(map[string]*Breaker),
	}
}

// SetStateChangeCallback registers fn for every breaker state change.
// Breakers created before the call keep their previous callback.
func (r *Registry) SetStateChangeCallback(fn func(workerID string, from, to domain.CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Get returns the breaker for workerID, creating it if needed.
func (r *Registry) Get(workerID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[workerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[workerID]; ok {
		return b
	}
	b = New(workerID, r.cfg, r.clock)
	b.onChange = r.onChange
	r.breakers[workerID] = b
	return b
}

// Reset closes the breaker for workerID. Unknown workers are a no-op.
func (r *Registry) Reset(workerID string) bool {
	r.mu.RLock()
	b, ok := r.breakers[workerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// States returns a snapshot of every known breaker ordered by worker.
func (r *Registry) States() []domain.CircuitBreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.CircuitBreakerState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

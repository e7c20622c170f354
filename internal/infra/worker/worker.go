// Package worker implements the generative workers that produce stage outputs.
//
// This package contains:
//   - Worker interface: one stage execution against an external generator
//   - HTTPWorker: JSON over HTTP implementation with health tracking
//   - Registry: worker lookup by identity with an optional fallback
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

// ErrNoWorker is returned when no worker serves the requested identity.
var ErrNoWorker = errors.New("no worker registered")

// Request is what a worker receives for one stage attempt.
type Request struct {
	WorkflowID   string                `json:"workflow_id"`
	ProjectID    string                `json:"project_id"`
	Title        string                `json:"title,omitempty"`
	Format       string                `json:"format"`
	Stage        string                `json:"stage"`
	Worker       string                `json:"worker"`
	Attempt      int                   `json:"attempt"`
	LastError    domain.ErrorKind      `json:"last_error,omitempty"`
	LastStrategy string                `json:"last_strategy,omitempty"`
	Context      domain.ProjectContext `json:"context"`
	Previous     []domain.StageOutput  `json:"previous,omitempty"`
}

// Worker produces the output of one stage.
type Worker interface {
	// Name returns the worker identity (e.g. "script_writer").
	Name() string

	// Execute runs a single attempt. Errors must describe the failure in
	// words the recovery classifier understands.
	Execute(ctx context.Context, req Request) (domain.StageOutput, error)

	// Health returns current health metrics.
	Health() HealthStatus

	// Close releases resources.
	Close() error
}

// HealthStatus represents the health state of a worker endpoint.
type HealthStatus struct {
	Name          string        `json:"name"`
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	Requests      int           `json:"requests"`
	Throttled     int           `json:"throttled"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// Registry maps worker identities to workers.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]Worker
	fallback Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds or replaces the worker serving w.Name().
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Name()] = w
}

// SetFallback sets the worker used for identities without a registration.
func (r *Registry) SetFallback(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = w
}

// Get returns the worker for name.
func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.workers[name]; ok {
		return w, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoWorker, name)
}

// Health returns the health of every registered worker, sorted by name.
func (r *Registry) Health() []HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HealthStatus, 0, len(r.workers)+1)
	for _, w := range r.workers {
		out = append(out, w.Health())
	}
	if r.fallback != nil {
		out = append(out, r.fallback.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every worker, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, w := range r.workers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.fallback != nil {
		if err := r.fallback.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

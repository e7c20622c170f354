// Package quality validates stage outputs against the shared project context.
//
// Gates are stateless and registered by name. Two universal gates apply to
// every stage (format_consistency and minimum_quality); others are bound
// per worker kind or per stage definition.
package quality

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/metrics"
)

const (
	GateFormatConsistency    = "format_consistency"
	GateMinimumQuality       = "minimum_quality"
	GateCharacterConsistency = "character_consistency"
	GateLengthFloor          = "length_floor"

	// callerGate names the check supplied by the caller of a transition.
	callerGate = "caller"
)

// ErrUnknownGate is returned when a binding names an unregistered gate.
var ErrUnknownGate = errors.New("unknown quality gate")

// Gate is a pure validator over an output and the project context.
type Gate interface {
	Name() string
	Validate(output domain.StageOutput, pc domain.ProjectContext) domain.QualityCheck
}

type funcGate struct {
	name string
	fn   func(domain.StageOutput, domain.ProjectContext) domain.QualityCheck
}

// NewGate wraps fn as a named Gate.
func NewGate(name string, fn func(domain.StageOutput, domain.ProjectContext) domain.QualityCheck) Gate {
	return &funcGate{name: name, fn: fn}
}

func (g *funcGate) Name() string { return g.name }

func (g *funcGate) Validate(output domain.StageOutput, pc domain.ProjectContext) domain.QualityCheck {
	check := g.fn(output, pc)
	check.Gate = g.name
	return check
}

// Registry holds gates by name and the gates bound to each worker kind.
type Registry struct {
	mu      sync.RWMutex
	gates   map[string]Gate
	workers map[string][]domain.GateBinding
}

// NewRegistry creates a registry holding the universal gates.
func NewRegistry(minQuality float64) *Registry {
	r := &Registry{
		gates:   make(map[string]Gate),
		workers: make(map[string][]domain.GateBinding),
	}
	r.Register(FormatConsistency())
	r.Register(MinimumQuality(minQuality))
	return r
}

// Register adds or replaces a gate.
func (r *Registry) Register(g Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[g.Name()] = g
}

// BindWorker attaches gates to every stage executed by worker.
func (r *Registry) BindWorker(worker string, bindings ...domain.GateBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[worker] = append(r.workers[worker], bindings...)
}

// Lookup returns the gate registered under name.
func (r *Registry) Lookup(name string) (Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[name]
	return g, ok
}

// Resolve returns the effective bindings for a stage: universal gates,
// then worker gates, then stage gates. A later binding for the same gate
// replaces the earlier one's required flag.
func (r *Registry) Resolve(worker string, stage []domain.GateBinding) ([]domain.GateBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := []domain.GateBinding{
		{Name: GateFormatConsistency, Required: true},
		{Name: GateMinimumQuality, Required: true},
	}
	all = append(all, r.workers[worker]...)
	all = append(all, stage...)

	index := make(map[string]int, len(all))
	var out []domain.GateBinding
	for _, b := range all {
		if _, ok := r.gates[b.Name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGate, b.Name)
		}
		if i, seen := index[b.Name]; seen {
			out[i].Required = b.Required
			continue
		}
		index[b.Name] = len(out)
		out = append(out, b)
	}
	return out, nil
}

// Evaluation is the combined verdict of every gate bound to a stage.
type Evaluation struct {
	Passed      bool                  `json:"passed"`
	Score       float64               `json:"score"`
	Checks      []domain.QualityCheck `json:"checks"`
	Issues      []string              `json:"issues,omitempty"`
	Suggestions []string              `json:"suggestions,omitempty"`
	Blocking    []string              `json:"blocking,omitempty"`
}

// Evaluate runs the bound gates. Every required gate must pass; optional
// gates never block but their issues and suggestions are still reported.
// A non-nil caller check is treated as required.
func (r *Registry) Evaluate(
	bindings []domain.GateBinding,
	output domain.StageOutput,
	pc domain.ProjectContext,
	caller *domain.QualityCheck,
) (Evaluation, error) {
	eval := Evaluation{Passed: true}

	add := func(check domain.QualityCheck, required bool) {
		eval.Checks = append(eval.Checks, check)
		eval.Suggestions = append(eval.Suggestions, check.Suggestions...)
		if check.Passed {
			return
		}
		for _, issue := range check.Issues {
			eval.Issues = append(eval.Issues, check.Gate+": "+issue)
		}
		metrics.GateFailures.WithLabelValues(check.Gate, fmt.Sprint(required)).Inc()
		if required {
			eval.Passed = false
			eval.Blocking = append(eval.Blocking, check.Gate)
		}
	}

	for _, b := range bindings {
		g, ok := r.Lookup(b.Name)
		if !ok {
			return Evaluation{}, fmt.Errorf("%w: %s", ErrUnknownGate, b.Name)
		}
		add(g.Validate(output, pc), b.Required)
	}

	if caller != nil {
		check := *caller
		if check.Gate == "" {
			check.Gate = callerGate
		}
		add(check, true)
	}

	if len(eval.Checks) > 0 {
		var sum float64
		for _, c := range eval.Checks {
			sum += c.Score
		}
		eval.Score = sum / float64(len(eval.Checks))
	}

	return eval, nil
}

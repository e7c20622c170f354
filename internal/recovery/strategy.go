package recovery

import (
	"context"
	"sync"

	"github.com/vietddude/maestro/internal/core/domain"
)

// Action names a recovery strategy.
type Action string

const (
	ActionRetryWithBackoff   Action = "retry_with_backoff"
	ActionWaitForRateLimit   Action = "wait_for_rate_limit"
	ActionResetContext       Action = "reset_context"
	ActionSimplifyPrompt     Action = "simplify_prompt"
	ActionRelaxQuality       Action = "relax_quality"
	ActionCompactContext     Action = "compact_context"
	ActionManualIntervention Action = "manual_intervention"
)

// Incident describes a failed attempt handed to a strategy.
type Incident struct {
	OperationID string
	WorkerID    string
	Kind        domain.ErrorKind
	Attempt     int
	Err         error
}

// Strategy is the corrective action applied before the next attempt.
type Strategy interface {
	// Action identifies the strategy in attempt records.
	Action() Action

	// Retryable reports whether another attempt may follow.
	Retryable() bool

	// Execute applies the side effect. A nil hook is a no-op.
	Execute(ctx context.Context, inc Incident) error
}

// HookFunc is a side effect supplied by the embedding application,
// e.g. trimming the prompt context or lowering a quality threshold.
type HookFunc func(ctx context.Context, inc Incident) error

type hookStrategy struct {
	action    Action
	retryable bool
	hook      HookFunc
}

// NewStrategy builds a strategy from an action and an optional hook.
func NewStrategy(action Action, retryable bool, hook HookFunc) Strategy {
	return &hookStrategy{action: action, retryable: retryable, hook: hook}
}

func (s *hookStrategy) Action() Action  { return s.action }
func (s *hookStrategy) Retryable() bool { return s.retryable }

func (s *hookStrategy) Execute(ctx context.Context, inc Incident) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(ctx, inc)
}

// Hooks are the corrective side effects the executor can trigger.
type Hooks struct {
	ResetContext   HookFunc
	SimplifyPrompt HookFunc
	RelaxQuality   HookFunc
	CompactContext HookFunc
}

// Table maps error kinds to strategies.
type Table struct {
	mu       sync.RWMutex
	entries  map[domain.ErrorKind]Strategy
	fallback Strategy
}

// NewTable creates an empty table. Unregistered kinds resolve to manual intervention.
func NewTable() *Table {
	return &Table{
		entries:  make(map[domain.ErrorKind]Strategy),
		fallback: NewStrategy(ActionManualIntervention, false, nil),
	}
}

// DefaultTable returns the standard kind-to-strategy mapping wired to hooks.
func DefaultTable(h Hooks) *Table {
	t := NewTable()

	backoff := NewStrategy(ActionRetryWithBackoff, true, nil)
	resetContext := NewStrategy(ActionResetContext, true, h.ResetContext)

	t.Register(domain.ErrorKindAPITimeout, backoff)
	t.Register(domain.ErrorKindAPIRateLimit, NewStrategy(ActionWaitForRateLimit, true, nil))
	t.Register(domain.ErrorKindAPIInvalidResponse, backoff)
	t.Register(domain.ErrorKindNetwork, backoff)
	t.Register(domain.ErrorKindFormatValidation, NewStrategy(ActionSimplifyPrompt, true, h.SimplifyPrompt))
	t.Register(domain.ErrorKindQualityCheck, NewStrategy(ActionRelaxQuality, true, h.RelaxQuality))
	t.Register(domain.ErrorKindCharacterInconsistency, resetContext)
	t.Register(domain.ErrorKindContextCorruption, resetContext)
	t.Register(domain.ErrorKindMemoryOverflow, NewStrategy(ActionCompactContext, true, h.CompactContext))
	t.Register(domain.ErrorKindAuthentication, NewStrategy(ActionManualIntervention, false, nil))
	t.Register(domain.ErrorKindUnknown, backoff)

	return t
}

// Register sets the strategy for kind, replacing any previous one.
func (t *Table) Register(kind domain.ErrorKind, s Strategy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[kind] = s
}

// Lookup returns the strategy for kind.
func (t *Table) Lookup(kind domain.ErrorKind) Strategy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.entries[kind]; ok {
		return s
	}
	return t.fallback
}

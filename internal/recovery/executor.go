// Package recovery runs fallible worker operations with classified retries.
//
// This package contains:
//   - Classifier: ordered substring rules mapping failures to error kinds
//   - Table: error kind to recovery strategy registry
//   - Executor: retry loop with per-attempt timeout, backoff and circuit breaking
//   - History: bounded per-operation attempt log
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/metrics"
	"github.com/vietddude/maestro/internal/recovery/breaker"
)

var (
	// ErrCircuitOpen is returned when the worker's breaker rejects the call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrCanceled is returned when the caller's context ends the execution.
	ErrCanceled = errors.New("execution canceled")

	// ErrAttemptTimeout is returned when a single attempt exceeds its timeout.
	ErrAttemptTimeout = errors.New("attempt timeout")

	// ErrNotRetryable is returned when the failure kind may not be retried.
	ErrNotRetryable = errors.New("non-retryable failure")

	// ErrRetriesExhausted is returned when every permitted attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Config defines retry behavior for one execution. Zero Timeout, MaxDelay
// and BackoffMultiplier take their DefaultConfig values, as does a nil
// RetryableErrors. An empty non-nil RetryableErrors retries nothing and a
// zero BaseDelay retries immediately.
type Config struct {
	MaxRetries        int                `yaml:"max_retries"`
	BaseDelay         time.Duration      `yaml:"base_delay"`
	MaxDelay          time.Duration      `yaml:"max_delay"`
	BackoffMultiplier float64            `yaml:"backoff_multiplier"`
	Timeout           time.Duration      `yaml:"timeout"`
	RetryableErrors   []domain.ErrorKind `yaml:"retryable_errors"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxRetries:        3,
	BaseDelay:         1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
	Timeout:           30 * time.Second,
	RetryableErrors: []domain.ErrorKind{
		domain.ErrorKindAPITimeout,
		domain.ErrorKindAPIRateLimit,
		domain.ErrorKindAPIInvalidResponse,
		domain.ErrorKindNetwork,
		domain.ErrorKindFormatValidation,
		domain.ErrorKindQualityCheck,
		domain.ErrorKindCharacterInconsistency,
		domain.ErrorKindContextCorruption,
		domain.ErrorKindMemoryOverflow,
	},
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.RetryableErrors == nil {
		c.RetryableErrors = slices.Clone(DefaultConfig.RetryableErrors)
	}
	return c
}

func (c Config) retryable(kind domain.ErrorKind) bool {
	return slices.Contains(c.RetryableErrors, kind)
}

// Backoff returns the delay before retry number attempt (0-indexed):
// min(BaseDelay * BackoffMultiplier^attempt, MaxDelay).
func Backoff(c Config, attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Attempt tells an operation which try it is on and what went wrong last.
type Attempt struct {
	Number       int
	LastKind     domain.ErrorKind
	LastStrategy Action
}

// Operation is the external call being protected.
type Operation func(ctx context.Context, attempt Attempt) (any, error)

// ExecutionResult is the outcome of ExecuteWithRecovery.
type ExecutionResult struct {
	Success   bool
	Result    any
	Err       error
	Attempts  int
	ErrorKind domain.ErrorKind
}

// AttemptJournal persists attempts outside the in-memory history.
type AttemptJournal interface {
	Append(ctx context.Context, attempt domain.RecoveryAttempt) error
}

// Executor runs operations with retries, backoff and circuit breaking.
type Executor struct {
	cfg        Config
	classifier *Classifier
	strategies *Table
	breakers   *breaker.Registry
	history    *History
	journal    AttemptJournal
	clock      clock.Clock
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for backoff sleeps and attempt timing.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithClassifier replaces the default classifier.
func WithClassifier(c *Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithStrategies replaces the default strategy table.
func WithStrategies(t *Table) Option {
	return func(e *Executor) { e.strategies = t }
}

// WithHistory replaces the default attempt history.
func WithHistory(h *History) Option {
	return func(e *Executor) { e.history = h }
}

// WithJournal persists every attempt through j.
func WithJournal(j AttemptJournal) Option {
	return func(e *Executor) { e.journal = j }
}

// NewExecutor creates an executor using breakers for per-worker gating.
func NewExecutor(cfg Config, breakers *breaker.Registry, opts ...Option) *Executor {
	e := &Executor{
		cfg:        cfg,
		classifier: NewClassifier(nil),
		strategies: DefaultTable(Hooks{}),
		breakers:   breakers,
		history:    NewHistory(0, 0),
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = breaker.NewRegistry(breaker.DefaultConfig, e.clock)
	}
	return e
}

// ExecuteWithRecovery runs op on behalf of workerID. cfg overrides the
// executor's default config when non-nil.
func (e *Executor) ExecuteWithRecovery(
	ctx context.Context,
	operationID string,
	workerID string,
	op Operation,
	cfg *Config,
) ExecutionResult {
	c := e.cfg
	if cfg != nil {
		c = *cfg
	}
	c = c.normalized()

	br := e.breakers.Get(workerID)

	var (
		lastErr    error
		lastKind   domain.ErrorKind
		lastAction Action
		attempts   int
	)

	for {
		if br.IsOpen() {
			metrics.CircuitRejections.WithLabelValues(workerID).Inc()
			err := fmt.Errorf("%w: worker %s", ErrCircuitOpen, workerID)
			if lastErr != nil {
				err = fmt.Errorf("%w: %w", err, lastErr)
			}
			return ExecutionResult{Err: err, Attempts: attempts, ErrorKind: lastKind}
		}
		if ctx.Err() != nil {
			return canceled(ctx, attempts)
		}

		attempts++
		info := Attempt{Number: attempts, LastKind: lastKind, LastStrategy: lastAction}

		start := e.clock.Now()
		result, err := e.runAttempt(ctx, op, info, c.Timeout)
		duration := e.clock.Now().Sub(start)
		metrics.AttemptLatency.WithLabelValues(workerID).Observe(duration.Seconds())

		if err == nil {
			br.RecordSuccess()
			e.record(ctx, domain.RecoveryAttempt{
				OperationID:   operationID,
				WorkerID:      workerID,
				AttemptNumber: attempts,
				Success:       true,
				Duration:      duration,
			})
			return ExecutionResult{Success: true, Result: result, Attempts: attempts}
		}

		// Cancellation is the caller's decision, not a worker failure.
		if ctx.Err() != nil {
			return canceled(ctx, attempts)
		}

		kind := e.classifier.Classify(err)
		strategy := e.strategies.Lookup(kind)
		br.RecordFailure()

		e.record(ctx, domain.RecoveryAttempt{
			OperationID:   operationID,
			WorkerID:      workerID,
			ErrorKind:     kind,
			AttemptNumber: attempts,
			Strategy:      string(strategy.Action()),
			Duration:      duration,
			ErrorMessage:  err.Error(),
		})
		lastErr, lastKind, lastAction = err, kind, strategy.Action()

		if !c.retryable(kind) || !strategy.Retryable() ||
			strategy.Action() == ActionManualIntervention {
			return ExecutionResult{
				Err:       fmt.Errorf("%w (%s): %w", ErrNotRetryable, kind, err),
				Attempts:  attempts,
				ErrorKind: kind,
			}
		}

		if attempts > c.MaxRetries {
			return ExecutionResult{
				Err:       fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err),
				Attempts:  attempts,
				ErrorKind: kind,
			}
		}

		inc := Incident{
			OperationID: operationID,
			WorkerID:    workerID,
			Kind:        kind,
			Attempt:     attempts,
			Err:         err,
		}
		if hookErr := strategy.Execute(ctx, inc); hookErr != nil {
			slog.Warn("Recovery strategy failed",
				"operation", operationID,
				"worker", workerID,
				"strategy", strategy.Action(),
				"error", hookErr,
			)
		}

		delay := Backoff(c, attempts-1)
		slog.Debug("Retrying operation",
			"operation", operationID,
			"worker", workerID,
			"kind", kind,
			"attempt", attempts,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return canceled(ctx, attempts)
		case <-e.clock.After(delay):
		}
	}
}

// runAttempt runs op under timeout. An operation that ignores its context
// is abandoned when the timeout fires.
func (e *Executor) runAttempt(
	ctx context.Context,
	op Operation,
	info Attempt,
	timeout time.Duration,
) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		result, err := op(attemptCtx, info)
		done <- outcome{result: result, err: err}
	}()

	timedOut := func() error {
		return WithKind(domain.ErrorKindAPITimeout,
			fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout))
	}

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil &&
			errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut()
		}
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timedOut()
	}
}

func (e *Executor) record(ctx context.Context, a domain.RecoveryAttempt) {
	a.ID = uuid.New().String()
	a.Timestamp = e.clock.Now()
	e.history.Append(a)

	outcome := "success"
	if !a.Success {
		outcome = "failure"
	}
	metrics.RecoveryAttempts.WithLabelValues(a.WorkerID, string(a.ErrorKind), outcome).Inc()

	if e.journal != nil {
		if err := e.journal.Append(context.WithoutCancel(ctx), a); err != nil {
			slog.Warn("Failed to persist recovery attempt",
				"operation", a.OperationID,
				"error", err,
			)
		}
	}
}

func canceled(ctx context.Context, attempts int) ExecutionResult {
	return ExecutionResult{
		Err:      fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx)),
		Attempts: attempts,
	}
}

// History returns the retained attempts for operationID.
func (e *Executor) History(operationID string) []domain.RecoveryAttempt {
	return e.history.Get(operationID)
}

// ResetCircuitBreaker closes the breaker for workerID.
func (e *Executor) ResetCircuitBreaker(workerID string) {
	e.breakers.Get(workerID).Reset()
	slog.Info("Circuit breaker reset", "worker", workerID)
}

// Breakers returns the registry backing the executor.
func (e *Executor) Breakers() *breaker.Registry {
	return e.breakers
}

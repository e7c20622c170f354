// Package breaker implements per-worker circuit breakers.
//
// A breaker opens after FailureThreshold consecutive failures. Once Timeout
// has elapsed since the last failure, the next IsOpen call moves it to
// half-open and lets exactly one probe through; the probe's recorded
// outcome closes or re-opens it. There is no background timer: the
// transition happens while polling IsOpen.
package breaker

import (
	"sync"
	"time"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
)

// Config defines breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	Timeout:          60 * time.Second,
}

// Breaker guards access to one worker.
type Breaker struct {
	workerID string
	cfg      Config
	clock    clock.Clock

	mu            sync.Mutex
	state         domain.CircuitState
	failureCount  int
	lastFailureAt time.Time
	probing       bool
	probeAt       time.Time
	onChange      func(workerID string, from, to domain.CircuitState)
}

// New creates a closed breaker.
func New(workerID string, cfg Config, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		workerID: workerID,
		cfg:      cfg,
		clock:    clk,
		state:    domain.CircuitClosed,
	}
}

// IsOpen reports whether calls must be rejected.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitOpen:
		now := b.clock.Now()
		if now.Sub(b.lastFailureAt) >= b.cfg.Timeout {
			b.setState(domain.CircuitHalfOpen)
			b.probing = true
			b.probeAt = now
			return false
		}
		return true
	case domain.CircuitHalfOpen:
		// One probe at a time. A probe whose outcome was never recorded
		// expires after Timeout so the breaker cannot wedge half-open.
		now := b.clock.Now()
		if b.probing && now.Sub(b.probeAt) < b.cfg.Timeout {
			return true
		}
		b.probing = true
		b.probeAt = now
		return false
	default:
		return false
	}
}

// IsHalfOpen reports whether the breaker is waiting on a probe outcome.
func (b *Breaker) IsHalfOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == domain.CircuitHalfOpen
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probing = false
	b.setState(domain.CircuitClosed)
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = b.clock.Now()
	b.probing = false

	if b.state == domain.CircuitHalfOpen || b.failureCount >= b.cfg.FailureThreshold {
		b.setState(domain.CircuitOpen)
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastFailureAt = time.Time{}
	b.probing = false
	b.setState(domain.CircuitClosed)
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return domain.CircuitBreakerState{
		WorkerID:      b.workerID,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		State:         b.state,
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to domain.CircuitState) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(b.workerID, from, to)
	}
}

package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/recovery/breaker"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestExecutor(t *testing.T, threshold int, opts ...Option) (*Executor, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	clk.SetAutoAdvance(true)
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: threshold, Timeout: time.Minute}, clk)
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewExecutor(DefaultConfig, reg, opts...), clk
}

func testConfig(maxRetries int) *Config {
	cfg := DefaultConfig
	cfg.MaxRetries = maxRetries
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = 300 * time.Millisecond
	cfg.BackoffMultiplier = 2
	return &cfg
}

func failingOp(msg string, calls *int32) Operation {
	return func(ctx context.Context, a Attempt) (any, error) {
		atomic.AddInt32(calls, 1)
		return nil, errors.New(msg)
	}
}

type memJournal struct {
	mu       sync.Mutex
	attempts []domain.RecoveryAttempt
}

func (j *memJournal) Append(ctx context.Context, a domain.RecoveryAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, a)
	return nil
}

// =============================================================================
// Retry Tests
// =============================================================================

func TestExecute_ExhaustedRetries(t *testing.T) {
	exec, clk := newTestExecutor(t, 10)
	var calls int32

	res := exec.ExecuteWithRecovery(context.Background(), "op-1", "writer",
		failingOp("connection reset by peer", &calls), testConfig(2))

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", res.Attempts, calls)
	}
	if !errors.Is(res.Err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", res.Err)
	}
	if res.ErrorKind != domain.ErrorKindNetwork {
		t.Errorf("ErrorKind = %s, want network_error", res.ErrorKind)
	}

	history := exec.History("op-1")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, a := range history {
		if a.AttemptNumber != i+1 {
			t.Errorf("history[%d].AttemptNumber = %d", i, a.AttemptNumber)
		}
		if a.Success || a.Strategy != string(ActionRetryWithBackoff) {
			t.Errorf("history[%d] = %+v", i, a)
		}
	}

	// delay_i = min(base * mult^i, max)
	waits := clk.Waits()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("waits[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestExecute_SuccessAfterRetries(t *testing.T) {
	exec, _ := newTestExecutor(t, 10)
	var seen []Attempt

	op := func(ctx context.Context, a Attempt) (any, error) {
		seen = append(seen, a)
		if a.Number < 3 {
			return nil, errors.New("429 too many requests")
		}
		return "draft", nil
	}

	res := exec.ExecuteWithRecovery(context.Background(), "op-2", "writer", op, testConfig(3))

	if !res.Success || res.Result != "draft" || res.Attempts != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if seen[1].LastKind != domain.ErrorKindAPIRateLimit || seen[1].LastStrategy != ActionWaitForRateLimit {
		t.Errorf("second attempt saw %+v", seen[1])
	}
	if st := exec.Breakers().Get("writer").State(); st.State != domain.CircuitClosed || st.FailureCount != 0 {
		t.Errorf("breaker after success = %+v", st)
	}

	history := exec.History("op-2")
	if !history[len(history)-1].Success {
		t.Error("last attempt should be recorded as success")
	}
}

func TestExecute_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		kind domain.ErrorKind
	}{
		{"authentication needs manual intervention", "401 unauthorized", domain.ErrorKindAuthentication},
		{"unknown kind not in retryable set", "boom", domain.ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newTestExecutor(t, 10)
			var calls int32

			res := exec.ExecuteWithRecovery(context.Background(), "op", "editor",
				failingOp(tt.msg, &calls), testConfig(5))

			if res.Attempts != 1 || calls != 1 {
				t.Fatalf("attempts = %d, calls = %d, want 1", res.Attempts, calls)
			}
			if !errors.Is(res.Err, ErrNotRetryable) {
				t.Errorf("expected ErrNotRetryable, got %v", res.Err)
			}
			if res.ErrorKind != tt.kind {
				t.Errorf("ErrorKind = %s, want %s", res.ErrorKind, tt.kind)
			}
		})
	}
}

func TestExecute_ZeroRetries(t *testing.T) {
	exec, _ := newTestExecutor(t, 10)
	var calls int32

	res := exec.ExecuteWithRecovery(context.Background(), "op", "w",
		failingOp("timeout", &calls), testConfig(0))

	if res.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1", res.Attempts, calls)
	}
}

func TestExecute_PartialConfig(t *testing.T) {
	t.Run("nil retryable kinds use defaults", func(t *testing.T) {
		exec, _ := newTestExecutor(t, 10)
		var calls int32

		res := exec.ExecuteWithRecovery(context.Background(), "op", "w",
			failingOp("network unreachable", &calls), &Config{MaxRetries: 2})

		if res.Attempts != 3 || calls != 3 {
			t.Errorf("attempts = %d, calls = %d, want 3", res.Attempts, calls)
		}
		if !errors.Is(res.Err, ErrRetriesExhausted) {
			t.Errorf("error = %v, want ErrRetriesExhausted", res.Err)
		}
	})

	t.Run("empty retryable kinds retry nothing", func(t *testing.T) {
		exec, _ := newTestExecutor(t, 10)
		var calls int32

		cfg := &Config{MaxRetries: 2, RetryableErrors: []domain.ErrorKind{}}
		res := exec.ExecuteWithRecovery(context.Background(), "op", "w",
			failingOp("network unreachable", &calls), cfg)

		if res.Attempts != 1 || calls != 1 {
			t.Errorf("attempts = %d, calls = %d, want 1", res.Attempts, calls)
		}
		if !errors.Is(res.Err, ErrNotRetryable) {
			t.Errorf("error = %v, want ErrNotRetryable", res.Err)
		}
	})
}

// =============================================================================
// Circuit Breaker Tests
// =============================================================================

func TestExecute_CircuitOpenFailsFast(t *testing.T) {
	exec, _ := newTestExecutor(t, 3)
	br := exec.Breakers().Get("W")
	for i := 0; i < 3; i++ {
		br.RecordFailure()
	}

	var calls int32
	res := exec.ExecuteWithRecovery(context.Background(), "op", "W",
		failingOp("never called", &calls), nil)

	if res.Attempts != 0 || calls != 0 {
		t.Fatalf("attempts = %d, calls = %d, want 0", res.Attempts, calls)
	}
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", res.Err)
	}
	if len(exec.History("op")) != 0 {
		t.Error("a rejected call must not record attempts")
	}
}

func TestExecute_CircuitOpensMidLoop(t *testing.T) {
	exec, _ := newTestExecutor(t, 2)
	var calls int32

	res := exec.ExecuteWithRecovery(context.Background(), "op", "W",
		failingOp("network down", &calls), testConfig(5))

	if res.Attempts != 2 || calls != 2 {
		t.Fatalf("attempts = %d, calls = %d, want 2", res.Attempts, calls)
	}
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", res.Err)
	}
}

func TestResetCircuitBreaker(t *testing.T) {
	exec, _ := newTestExecutor(t, 1)
	exec.Breakers().Get("W").RecordFailure()

	exec.ResetCircuitBreaker("W")

	res := exec.ExecuteWithRecovery(context.Background(), "op", "W",
		func(ctx context.Context, a Attempt) (any, error) { return 1, nil }, nil)
	if !res.Success {
		t.Fatalf("expected success after reset, got %v", res.Err)
	}
}

// =============================================================================
// Timeout & Cancellation Tests
// =============================================================================

func TestExecute_AttemptTimeout(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
	}{
		{
			name: "operation honors context",
			op: func(ctx context.Context, a Attempt) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		{
			name: "operation ignores context",
			op: func(ctx context.Context, a Attempt) (any, error) {
				time.Sleep(200 * time.Millisecond)
				return "late", nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newTestExecutor(t, 10)
			cfg := testConfig(0)
			cfg.Timeout = 20 * time.Millisecond

			res := exec.ExecuteWithRecovery(context.Background(), "op", "w", tt.op, cfg)

			if res.Success {
				t.Fatal("expected timeout failure")
			}
			if res.ErrorKind != domain.ErrorKindAPITimeout {
				t.Errorf("ErrorKind = %s, want api_timeout", res.ErrorKind)
			}
			if !errors.Is(res.Err, ErrAttemptTimeout) {
				t.Errorf("expected ErrAttemptTimeout, got %v", res.Err)
			}
		})
	}
}

func TestExecute_CanceledDuringAttempt(t *testing.T) {
	exec, _ := newTestExecutor(t, 10)
	ctx, cancel := context.WithCancel(context.Background())

	op := func(ctx context.Context, a Attempt) (any, error) {
		cancel()
		return nil, errors.New("network error")
	}

	res := exec.ExecuteWithRecovery(ctx, "op", "w", op, testConfig(3))

	if !errors.Is(res.Err, ErrCanceled) || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", res.Err)
	}
	if res.ErrorKind != "" {
		t.Errorf("cancellation must not be classified, got %s", res.ErrorKind)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if st := exec.Breakers().Get("w").State(); st.FailureCount != 0 {
		t.Errorf("cancellation must not count as a worker failure, got %d", st.FailureCount)
	}
}

func TestExecute_CanceledDuringBackoff(t *testing.T) {
	clk := clock.NewFake(time.Now())
	reg := breaker.NewRegistry(breaker.DefaultConfig, clk)
	exec := NewExecutor(DefaultConfig, reg, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := func(ctx context.Context, a Attempt) (any, error) {
		time.AfterFunc(10*time.Millisecond, cancel)
		return nil, errors.New("timeout talking to provider")
	}

	done := make(chan ExecutionResult, 1)
	go func() {
		done <- exec.ExecuteWithRecovery(ctx, "op", "w", op, testConfig(3))
	}()

	select {
	case res := <-done:
		if !errors.Is(res.Err, ErrCanceled) {
			t.Fatalf("expected ErrCanceled, got %v", res.Err)
		}
		if res.Attempts != 1 {
			t.Errorf("attempts = %d, want 1", res.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not interrupted by cancellation")
	}
}

// =============================================================================
// Strategy Tests
// =============================================================================

func TestExecute_StrategyHooks(t *testing.T) {
	var incidents []Incident
	hooks := Hooks{
		SimplifyPrompt: func(ctx context.Context, inc Incident) error {
			incidents = append(incidents, inc)
			return nil
		},
		ResetContext: func(ctx context.Context, inc Incident) error {
			incidents = append(incidents, inc)
			return errors.New("hook failure is logged, not fatal")
		},
	}
	exec, _ := newTestExecutor(t, 10, WithStrategies(DefaultTable(hooks)))

	msgs := []string{"invalid output format", "character drift detected"}
	op := func(ctx context.Context, a Attempt) (any, error) {
		if a.Number <= len(msgs) {
			return nil, errors.New(msgs[a.Number-1])
		}
		return "ok", nil
	}

	res := exec.ExecuteWithRecovery(context.Background(), "op", "script_writer", op, testConfig(3))
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}

	if len(incidents) != 2 {
		t.Fatalf("incidents = %d, want 2", len(incidents))
	}
	if incidents[0].Kind != domain.ErrorKindFormatValidation || incidents[0].Attempt != 1 {
		t.Errorf("incidents[0] = %+v", incidents[0])
	}
	if incidents[1].Kind != domain.ErrorKindCharacterInconsistency || incidents[1].Attempt != 2 {
		t.Errorf("incidents[1] = %+v", incidents[1])
	}

	history := exec.History("op")
	if history[0].Strategy != string(ActionSimplifyPrompt) || history[1].Strategy != string(ActionResetContext) {
		t.Errorf("strategies = %s, %s", history[0].Strategy, history[1].Strategy)
	}
}

func TestTable_Defaults(t *testing.T) {
	table := DefaultTable(Hooks{})

	tests := []struct {
		kind      domain.ErrorKind
		action    Action
		retryable bool
	}{
		{domain.ErrorKindAPITimeout, ActionRetryWithBackoff, true},
		{domain.ErrorKindAPIRateLimit, ActionWaitForRateLimit, true},
		{domain.ErrorKindFormatValidation, ActionSimplifyPrompt, true},
		{domain.ErrorKindQualityCheck, ActionRelaxQuality, true},
		{domain.ErrorKindCharacterInconsistency, ActionResetContext, true},
		{domain.ErrorKindMemoryOverflow, ActionCompactContext, true},
		{domain.ErrorKindAuthentication, ActionManualIntervention, false},
		{domain.ErrorKind("bogus"), ActionManualIntervention, false},
	}

	for _, tt := range tests {
		s := table.Lookup(tt.kind)
		if s.Action() != tt.action || s.Retryable() != tt.retryable {
			t.Errorf("Lookup(%s) = %s/%v, want %s/%v",
				tt.kind, s.Action(), s.Retryable(), tt.action, tt.retryable)
		}
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 3}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 3 * time.Second},
		{2, 9 * time.Second},
		{3, 10 * time.Second},
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// =============================================================================
// History & Stats Tests
// =============================================================================

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(100, 50)
	for i := 1; i <= 101; i++ {
		h.Append(domain.RecoveryAttempt{OperationID: "op", AttemptNumber: i})
	}

	got := h.Get("op")
	if len(got) != 50 {
		t.Fatalf("len = %d, want 50", len(got))
	}
	if got[0].AttemptNumber != 52 || got[49].AttemptNumber != 101 {
		t.Errorf("kept range %d..%d, want 52..101", got[0].AttemptNumber, got[49].AttemptNumber)
	}

	for i := 102; i <= 150; i++ {
		h.Append(domain.RecoveryAttempt{OperationID: "op", AttemptNumber: i})
	}
	if got := len(h.Get("op")); got != 99 {
		t.Errorf("len = %d, want 99 (no trim until the limit is exceeded)", got)
	}
}

func TestGetErrorStatistics(t *testing.T) {
	journal := &memJournal{}
	exec, _ := newTestExecutor(t, 10, WithJournal(journal))
	var calls int32

	exec.ExecuteWithRecovery(context.Background(), "a", "writer", failingOp("timeout", &calls), testConfig(1))
	exec.ExecuteWithRecovery(context.Background(), "b", "editor",
		func(ctx context.Context, a Attempt) (any, error) { return nil, nil }, nil)

	all := exec.GetErrorStatistics("")
	if all.TotalAttempts != 3 || all.Successes != 1 || all.Failures != 2 {
		t.Errorf("all stats = %+v", all)
	}
	if all.ByKind[domain.ErrorKindAPITimeout] != 2 {
		t.Errorf("ByKind = %v", all.ByKind)
	}
	if len(all.Breakers) != 2 {
		t.Errorf("breakers = %+v", all.Breakers)
	}

	writer := exec.GetErrorStatistics("writer")
	if writer.TotalAttempts != 2 || writer.SuccessRate != 0 {
		t.Errorf("writer stats = %+v", writer)
	}
	if writer.ByStrategy[ActionRetryWithBackoff] != 2 {
		t.Errorf("ByStrategy = %v", writer.ByStrategy)
	}

	if len(journal.attempts) != 3 {
		t.Errorf("journal recorded %d attempts, want 3", len(journal.attempts))
	}
	for _, a := range journal.attempts {
		if a.ID == "" {
			t.Error("attempt ID must be set")
		}
	}
}

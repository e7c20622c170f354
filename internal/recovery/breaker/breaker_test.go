package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
)

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New("writer", Config{FailureThreshold: threshold, Timeout: timeout}, clk), clk
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.IsOpen() {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("expected breaker to be open after 3 failures")
	}
	if got := b.State().FailureCount; got != 3 {
		t.Errorf("FailureCount = %d, want 3", got)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		outcome   func(b *Breaker)
		wantState domain.CircuitState
		wantOpen  bool
	}{
		{
			name:      "probe succeeds",
			outcome:   func(b *Breaker) { b.RecordSuccess() },
			wantState: domain.CircuitClosed,
			wantOpen:  false,
		},
		{
			name:      "probe fails",
			outcome:   func(b *Breaker) { b.RecordFailure() },
			wantState: domain.CircuitOpen,
			wantOpen:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(2, 30*time.Second)
			b.RecordFailure()
			b.RecordFailure()

			if !b.IsOpen() {
				t.Fatal("expected open")
			}

			clk.Add(30 * time.Second)

			if b.IsOpen() {
				t.Fatal("first IsOpen after timeout should let the probe through")
			}
			if !b.IsHalfOpen() {
				t.Fatal("expected half-open after timeout")
			}
			if !b.IsOpen() {
				t.Fatal("second IsOpen during probe should reject")
			}

			tt.outcome(b)

			if got := b.State().State; got != tt.wantState {
				t.Errorf("state = %s, want %s", got, tt.wantState)
			}
			if got := b.IsOpen(); got != tt.wantOpen {
				t.Errorf("IsOpen = %v, want %v", got, tt.wantOpen)
			}
		})
	}
}

func TestBreaker_StaleProbeExpires(t *testing.T) {
	b, clk := newTestBreaker(1, 10*time.Second)
	b.RecordFailure()

	clk.Add(10 * time.Second)
	if b.IsOpen() {
		t.Fatal("expected probe to be allowed")
	}

	clk.Add(10 * time.Second)
	if b.IsOpen() {
		t.Fatal("expected a new probe once the previous one expired")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("expected open")
	}

	b.Reset()

	st := b.State()
	if st.State != domain.CircuitClosed || st.FailureCount != 0 {
		t.Errorf("after reset got %+v", st)
	}
	if b.IsOpen() {
		t.Error("expected closed after reset")
	}
}

func TestBreaker_SuccessClearsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Hour)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.IsOpen() {
		t.Error("failures are consecutive; a success in between must reset the count")
	}
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b, _ := newTestBreaker(50, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	if got := b.State().FailureCount; got != 100 {
		t.Errorf("FailureCount = %d, want 100", got)
	}
	if !b.IsOpen() {
		t.Error("expected open")
	}
}

func TestRegistry(t *testing.T) {
	clk := clock.NewFake(time.Now())
	r := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Minute}, clk)

	var changes []string
	r.SetStateChangeCallback(func(workerID string, from, to domain.CircuitState) {
		changes = append(changes, workerID+":"+string(to))
	})

	if r.Get("a") != r.Get("a") {
		t.Fatal("Get must return the same breaker for a worker")
	}

	r.Get("b").RecordFailure()
	if !r.Get("b").IsOpen() {
		t.Fatal("expected b open")
	}
	if r.Get("a").IsOpen() {
		t.Fatal("breakers must be independent per worker")
	}

	if !r.Reset("b") {
		t.Fatal("Reset(b) = false")
	}
	if r.Reset("unknown") {
		t.Error("Reset(unknown) = true")
	}

	states := r.States()
	if len(states) != 2 || states[0].WorkerID != "a" || states[1].WorkerID != "b" {
		t.Errorf("States() = %+v", states)
	}

	want := []string{"b:open", "b:closed"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %s, want %s", i, changes[i], want[i])
		}
	}
}

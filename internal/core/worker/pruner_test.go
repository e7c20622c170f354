package worker

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/core/domain"
	"github.com/vietddude/maestro/internal/infra/storage/memory"
)

func TestPruner_Prune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	attempts := memory.NewMemoryStorage().Attempts()
	for i, age := range []time.Duration{72 * time.Hour, 30 * time.Hour, 2 * time.Hour} {
		err := attempts.Append(ctx, domain.RecoveryAttempt{
			OperationID:   "wf-1/outline",
			AttemptNumber: i + 1,
			Timestamp:     now.Add(-age),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	p := NewPruner(24*time.Hour, attempts, clk)
	if removed := p.Prune(ctx); removed != 2 {
		t.Errorf("expected 2 attempts pruned, got %d", removed)
	}

	left, err := attempts.ListByOperation(ctx, "wf-1/outline", 0)
	if err != nil {
		t.Fatalf("ListByOperation failed: %v", err)
	}
	if len(left) != 1 || left[0].AttemptNumber != 3 {
		t.Errorf("expected only the newest attempt to remain, got %+v", left)
	}

	if removed := p.Prune(ctx); removed != 0 {
		t.Errorf("expected nothing left to prune, got %d", removed)
	}
}

func TestPruner_Interval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{5 * time.Minute, time.Minute},
		{2 * time.Hour, 12 * time.Minute},
		{7 * 24 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		p := NewPruner(tt.retention, nil, clock.New())
		if got := p.Interval(); got != tt.want {
			t.Errorf("Interval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}

func TestPruner_DisabledReturnsImmediately(t *testing.T) {
	p := NewPruner(0, nil, clock.New())
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start with zero retention should return immediately")
	}
}

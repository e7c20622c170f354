package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/maestro/internal/core/clock"
	"github.com/vietddude/maestro/internal/infra/storage"
)

// Pruner deletes recovery attempts older than the retention period from the
// persistent journal.
type Pruner struct {
	retention time.Duration
	attempts  storage.AttemptRepository
	clock     clock.Clock
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, attempts storage.AttemptRepository, clk clock.Clock) *Pruner {
	return &Pruner{
		retention: retention,
		attempts:  attempts,
		clock:     clk,
	}
}

// Interval is how often the pruner runs: a tenth of the retention period,
// clamped to [1m, 1h].
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	interval := p.Interval()
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
			p.Prune(ctx)
		}
	}
}

// Prune removes everything older than the retention period once.
func (p *Pruner) Prune(ctx context.Context) int64 {
	cutoff := p.clock.Now().Add(-p.retention)

	removed, err := p.attempts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to prune recovery attempts", "cutoff", cutoff, "error", err)
		return 0
	}
	if removed > 0 {
		slog.Info("Pruned recovery attempts", "removed", removed, "cutoff", cutoff)
	}
	return removed
}

package recovery

import (
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

// Stats aggregates retained attempt history.
type Stats struct {
	WorkerID        string                       `json:"worker_id,omitempty"`
	TotalAttempts   int                          `json:"total_attempts"`
	Successes       int                          `json:"successes"`
	Failures        int                          `json:"failures"`
	SuccessRate     float64                      `json:"success_rate"`
	AverageDuration time.Duration                `json:"average_duration"`
	ByKind          map[domain.ErrorKind]int     `json:"by_kind"`
	ByStrategy      map[Action]int               `json:"by_strategy"`
	Breakers        []domain.CircuitBreakerState `json:"breakers"`
}

// GetErrorStatistics summarizes attempts for workerID, or for every worker
// when workerID is empty.
func (e *Executor) GetErrorStatistics(workerID string) Stats {
	stats := Stats{
		WorkerID:   workerID,
		ByKind:     make(map[domain.ErrorKind]int),
		ByStrategy: make(map[Action]int),
	}

	var total time.Duration
	e.history.Each(func(a domain.RecoveryAttempt) {
		if workerID != "" && a.WorkerID != workerID {
			return
		}
		stats.TotalAttempts++
		total += a.Duration
		if a.Success {
			stats.Successes++
			return
		}
		stats.Failures++
		stats.ByKind[a.ErrorKind]++
		if a.Strategy != "" {
			stats.ByStrategy[Action(a.Strategy)]++
		}
	})

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.TotalAttempts)
		stats.AverageDuration = total / time.Duration(stats.TotalAttempts)
	}

	for _, st := range e.breakers.States() {
		if workerID == "" || st.WorkerID == workerID {
			stats.Breakers = append(stats.Breakers, st)
		}
	}

	return stats
}

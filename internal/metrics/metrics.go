// Package metrics exposes Prometheus collectors for workflows and the
// resilient executor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageTransitions tracks transition attempts per format and stage
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_stage_transitions_total",
			Help: "Total number of stage transition attempts",
		},
		[]string{"format", "stage", "result"},
	)

	// StageFailures tracks stage failures reported to the state machine
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_stage_failures_total",
			Help: "Total number of stage failures",
		},
		[]string{"stage", "severity", "outcome"},
	)

	// GateFailures tracks quality gate rejections
	GateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_quality_gate_failures_total",
			Help: "Total number of failed quality gate checks",
		},
		[]string{"gate", "required"},
	)

	// WorkflowsActive tracks workflows that have not reached a terminal state
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_workflows_active",
			Help: "Number of workflows not yet completed",
		},
	)

	// RecoveryAttempts tracks executor attempts per worker and error kind
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_recovery_attempts_total",
			Help: "Total number of execution attempts",
		},
		[]string{"worker", "error_kind", "outcome"},
	)

	// AttemptLatency tracks attempt duration per worker
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_attempt_latency_seconds",
			Help:    "Execution attempt latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"worker"},
	)

	// CircuitRejections tracks calls rejected by an open breaker
	CircuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_circuit_rejections_total",
			Help: "Total number of calls rejected by an open circuit breaker",
		},
		[]string{"worker"},
	)

	// CircuitState tracks breaker state per worker (0=closed, 1=half_open, 2=open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_circuit_state",
			Help: "Circuit breaker state per worker (0=closed, 1=half_open, 2=open)",
		},
		[]string{"worker"},
	)

	// DBConnectionPoolUsage tracks the share of open connections in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBOperationLatency tracks storage call latency per operation
	DBOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_db_operation_latency_seconds",
			Help:    "Storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// StageRunDuration tracks wall time of a stage run including retries
	StageRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_stage_run_duration_seconds",
			Help:    "Stage run duration in seconds, retries included",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"worker", "outcome"}, // outcome: completed, blocked, retry, failed
	)
)

package domain

import "time"

// ErrorKind is the closed set of failure classes used to pick a recovery strategy.
type ErrorKind string

const (
	ErrorKindAPITimeout             ErrorKind = "api_timeout"
	ErrorKindAPIRateLimit           ErrorKind = "api_rate_limit"
	ErrorKindAPIInvalidResponse     ErrorKind = "api_invalid_response"
	ErrorKindFormatValidation       ErrorKind = "format_validation_failed"
	ErrorKindQualityCheck           ErrorKind = "quality_check_failed"
	ErrorKindCharacterInconsistency ErrorKind = "character_inconsistency"
	ErrorKindContextCorruption      ErrorKind = "context_corruption"
	ErrorKindMemoryOverflow         ErrorKind = "memory_overflow"
	ErrorKindNetwork                ErrorKind = "network_error"
	ErrorKindAuthentication         ErrorKind = "authentication_error"
	ErrorKindUnknown                ErrorKind = "unknown_error"
)

// AllErrorKinds lists every ErrorKind.
var AllErrorKinds = []ErrorKind{
	ErrorKindAPITimeout,
	ErrorKindAPIRateLimit,
	ErrorKindAPIInvalidResponse,
	ErrorKindFormatValidation,
	ErrorKindQualityCheck,
	ErrorKindCharacterInconsistency,
	ErrorKindContextCorruption,
	ErrorKindMemoryOverflow,
	ErrorKindNetwork,
	ErrorKindAuthentication,
	ErrorKindUnknown,
}

// IsValid reports whether k belongs to the closed set.
func (k ErrorKind) IsValid() bool {
	for _, known := range AllErrorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity ranks a stage failure and bounds how often the stage may be retried.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RetryCeiling returns how many stage-level retries the severity permits.
func (s Severity) RetryCeiling() int {
	switch s {
	case SeverityLow:
		return 3
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 1
	default:
		return 0
	}
}

// SeverityFor returns the default severity of an error kind.
func SeverityFor(kind ErrorKind) Severity {
	switch kind {
	case ErrorKindAPITimeout, ErrorKindAPIRateLimit, ErrorKindNetwork:
		return SeverityLow
	case ErrorKindContextCorruption, ErrorKindMemoryOverflow:
		return SeverityHigh
	case ErrorKindAuthentication:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// StageError is one entry in a stage's error log.
type StageError struct {
	Kind     ErrorKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
}

// RecoveryAttempt records one execution attempt made by the resilient executor.
type RecoveryAttempt struct {
	ID            string        `json:"id"`
	OperationID   string        `json:"operation_id"`
	WorkerID      string        `json:"worker_id"`
	ErrorKind     ErrorKind     `json:"error_kind"`
	AttemptNumber int           `json:"attempt_number"`
	Strategy      string        `json:"strategy"`
	Timestamp     time.Time     `json:"timestamp"`
	Success       bool          `json:"success"`
	Duration      time.Duration `json:"duration"`
	ErrorMessage  string        `json:"error_message"`
}

// CircuitState is the state of a per-worker circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is a read-only view of one breaker.
type CircuitBreakerState struct {
	WorkerID      string       `json:"worker_id"`
	FailureCount  int          `json:"failure_count"`
	LastFailureAt time.Time    `json:"last_failure_at"`
	State         CircuitState `json:"state"`
}

// FailedStage is a stage that exhausted its retry ceiling and waits for an
// operator to reset it.
type FailedStage struct {
	WorkflowID string    `json:"workflow_id"`
	ProjectID  string    `json:"project_id"`
	Stage      string    `json:"stage"`
	Worker     string    `json:"worker"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

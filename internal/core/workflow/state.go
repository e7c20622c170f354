package workflow

import (
	"errors"
	"slices"
	"time"

	"github.com/vietddude/maestro/internal/core/domain"
)

// Status is an alias for domain.StageStatus for internal use.
type Status = domain.StageStatus

// ErrInvalidTransition is returned when a stage status change is not allowed.
var ErrInvalidTransition = errors.New("invalid stage transition")

// ValidTransitions defines allowed stage status transitions.
// Key is the current status, value is the list of valid next statuses.
var ValidTransitions = map[Status][]Status{
	domain.StageStatusNotStarted: {
		domain.StageStatusReady,
		domain.StageStatusBlocked,
		domain.StageStatusFailed,
	},
	domain.StageStatusReady: {
		domain.StageStatusInProgress,
		domain.StageStatusCompleted,
		domain.StageStatusBlocked,
		domain.StageStatusFailed,
	},
	domain.StageStatusInProgress: {
		domain.StageStatusReviewRequired,
		domain.StageStatusCompleted,
		domain.StageStatusReady,
		domain.StageStatusBlocked,
		domain.StageStatusFailed,
	},
	domain.StageStatusReviewRequired: {
		domain.StageStatusCompleted,
		domain.StageStatusInProgress,
		domain.StageStatusReady,
		domain.StageStatusBlocked,
		domain.StageStatusFailed,
	},
	domain.StageStatusBlocked: {domain.StageStatusReady},
	domain.StageStatusFailed:  {domain.StageStatusReady},
}

// CanTransition checks if a stage may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a stage status change with metadata.
type Transition struct {
	Stage     string
	From      Status
	To        Status
	Reason    string
	Timestamp time.Time
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return t.From == t.To || CanTransition(t.From, t.To)
}

// StatusDescription returns a human-readable description of a status.
func StatusDescription(s Status) string {
	switch s {
	case domain.StageStatusNotStarted:
		return "Not started - waiting for earlier stages"
	case domain.StageStatusReady:
		return "Ready - prerequisites met, waiting for execution"
	case domain.StageStatusInProgress:
		return "In progress - worker is producing output"
	case domain.StageStatusReviewRequired:
		return "Review required - output waiting for approval"
	case domain.StageStatusCompleted:
		return "Completed - output accepted"
	case domain.StageStatusFailed:
		return "Failed - retries exhausted, needs reset"
	case domain.StageStatusBlocked:
		return "Blocked - prerequisites missing, needs reset"
	default:
		return "Unknown status"
	}
}

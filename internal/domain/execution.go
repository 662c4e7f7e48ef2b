package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusRetrying  ExecutionStatus = "retrying"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
// A failed execution that the retry manager has moved to retrying is not
// terminal; failed itself is, because the engine only leaves an execution
// in failed once retries are exhausted or the failure is non-retryable.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Phase labels reported on progress events.
const (
	PhaseExtract   = "extract"
	PhaseTransform = "transform"
	PhaseLoad      = "load"
)

// Execution records one concrete run of a Job.
type Execution struct {
	ID    uuid.UUID
	JobID uuid.UUID

	Status  ExecutionStatus
	Attempt int

	Progress int // 0-100, monotone non-decreasing within an attempt
	Phase    string

	RowsExtracted   int64
	RowsTransformed int64
	RowsLoaded      int64

	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	NextRetryAt *time.Time

	Error      string
	ErrorClass ErrorClass

	CreatedAt time.Time
}

// ExecutionFilter narrows ListExecutions results. Nil fields match
// everything; Limit <= 0 means no limit.
type ExecutionFilter struct {
	JobID  *uuid.UUID
	Status *ExecutionStatus
	Limit  int
	Offset int
}

// ValidTransition reports whether moving from s to next is allowed by the
// execution state machine.
func ValidTransition(s, next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning || next == ExecutionStatusCancelled
	case ExecutionStatusRunning:
		return next == ExecutionStatusCompleted ||
			next == ExecutionStatusFailed ||
			next == ExecutionStatusCancelled
	case ExecutionStatusFailed:
		return next == ExecutionStatusRetrying
	case ExecutionStatusRetrying:
		return next == ExecutionStatusPending || next == ExecutionStatusCancelled
	}
	return false
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventKindStatus   EventKind = "status"
	EventKindProgress EventKind = "progress"
	EventKindLog      EventKind = "log"
)

// Event is what the engine publishes on the event bus. Seq is assigned by
// the bus and increases monotonically per execution, letting subscribers
// detect gaps and reordering.
type Event struct {
	Kind        EventKind
	ExecutionID uuid.UUID
	Seq         uint64

	// Status events.
	Status ExecutionStatus

	// Progress events.
	Progress int
	Phase    string
	Rows     RowCounts

	// Log events.
	Log *LogEntry

	Timestamp time.Time
}

// RowCounts aggregates per-phase row counters carried on progress and
// terminal status events.
type RowCounts struct {
	Extracted   int64
	Transformed int64
	Loaded      int64
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is an append-only message attached to an execution.
// Ordered by timestamp, then Seq to break ties.
type LogEntry struct {
	ExecutionID uuid.UUID
	Seq         uint64
	Level       LogLevel
	Message     string
	Timestamp   time.Time
}

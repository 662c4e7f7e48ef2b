package domain

import (
	"time"

	"github.com/google/uuid"
)

// IfExistsPolicy controls what the load phase does when the destination
// already holds data.
type IfExistsPolicy string

const (
	IfExistsFail    IfExistsPolicy = "fail"
	IfExistsReplace IfExistsPolicy = "replace"
	IfExistsAppend  IfExistsPolicy = "append"
)

// SourceConfig describes where a pipeline reads rows from. Options are
// type-specific (e.g. "path" for file sources).
type SourceConfig struct {
	Type    string
	Options map[string]string
}

// DestConfig describes where a pipeline writes rows to.
type DestConfig struct {
	Type     string
	Options  map[string]string
	IfExists IfExistsPolicy
}

// RetryPolicy controls how failed executions are retried.
// Delay before attempt n (n >= 2) is BaseDelay * Multiplier^(n-2).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// NotifyPolicy records the owner's notification preferences. Delivery is
// handled by an external collaborator; the engine only carries the data.
type NotifyPolicy struct {
	OnSuccess bool
	OnFailure bool
}

// Job is a reusable pipeline definition. ID is immutable once assigned.
type Job struct {
	ID          uuid.UUID
	Name        string
	Description string

	Source      SourceConfig
	Rules       []Rule
	Destination DestConfig

	Schedule *Schedule
	Notify   NotifyPolicy
	Retry    RetryPolicy
	Enabled  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

package metrics

import (
	"time"

	"github.com/jfourny/etlrun/internal/domain"
)

// Sink aggregates the metric surfaces the scheduler, engine and event bus
// report to. All methods are fire-and-forget: implementations must not
// block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickCompleted(due int, duration time.Duration)
	RunScheduled()

	// Engine metrics
	ExecutionStarted()
	ExecutionFinished(status domain.ExecutionStatus, class domain.ErrorClass, duration time.Duration)
	RetryScheduled()
	QueueDepth(running, queued int)

	// Event bus metrics
	EventPublished(kind string)
	ProgressEventDropped()
	SubscribersUpdate(count int)
}

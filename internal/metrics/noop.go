package metrics

import (
	"time"

	"github.com/jfourny/etlrun/internal/domain"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickCompleted(due int, duration time.Duration)                                  {}
func (n *NoopSink) RunScheduled()                                                                  {}
func (n *NoopSink) ExecutionStarted()                                                              {}
func (n *NoopSink) ExecutionFinished(s domain.ExecutionStatus, c domain.ErrorClass, d time.Duration) {}
func (n *NoopSink) RetryScheduled()                                                                {}
func (n *NoopSink) QueueDepth(running, queued int)                                                 {}
func (n *NoopSink) EventPublished(kind string)                                                     {}
func (n *NoopSink) ProgressEventDropped()                                                          {}
func (n *NoopSink) SubscribersUpdate(count int)                                                    {}

var _ Sink = (*NoopSink)(nil)

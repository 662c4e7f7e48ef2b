package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jfourny/etlrun/internal/domain"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated; a collector that
// failed to register still works, it just is not scraped.
type PrometheusSink struct {
	// Scheduler metrics
	ticksTotal        prometheus.Counter
	dueJobsTotal      prometheus.Counter
	tickDuration      prometheus.Histogram
	runsScheduledTotal prometheus.Counter

	// Engine metrics
	executionsStartedTotal  prometheus.Counter
	executionsFinishedTotal *prometheus.CounterVec
	executionDuration       prometheus.Histogram
	retriesScheduledTotal   prometheus.Counter
	runningExecutions       prometheus.Gauge
	queuedExecutions        prometheus.Gauge

	// Event bus metrics
	eventsPublishedTotal *prometheus.CounterVec
	progressDroppedTotal prometheus.Counter
	subscribers          prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initEngineMetrics(reg)
	s.initEventBusMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etlrun_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.dueJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etlrun_scheduler_due_jobs_total",
		Help: "Total number of jobs found due across all ticks.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "etlrun_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.runsScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etlrun_scheduler_runs_scheduled_total",
		Help: "Total number of executions started by the scheduler.",
	})

	s.register(reg, s.ticksTotal, "etlrun_scheduler_ticks_total")
	s.register(reg, s.dueJobsTotal, "etlrun_scheduler_due_jobs_total")
	s.register(reg, s.tickDuration, "etlrun_scheduler_tick_duration_seconds")
	s.register(reg, s.runsScheduledTotal, "etlrun_scheduler_runs_scheduled_total")
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.executionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etlrun_engine_executions_started_total",
		Help: "Total number of execution attempts that began running.",
	})
	s.executionsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etlrun_engine_executions_finished_total",
		Help: "Total number of executions that reached a terminal status.",
	}, []string{"status", "error_class"})
	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "etlrun_engine_execution_duration_seconds",
		Help:    "Wall-clock duration from first start to terminal status.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	})
	s.retriesScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etlrun_engine_retries_scheduled_total",
		Help: "Total number of retry attempts scheduled.",
	})
	s.runningExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "etlrun_engine_running_executions",
		Help: "Number of executions currently holding a concurrency slot.",
	})
	s.queuedExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "etlrun_engine_queued_executions",
		Help: "Number of executions waiting for admission.",
	})

	s.register(reg, s.executionsStartedTotal, "etlrun_engine_executions_started_total")
	s.register(reg, s.executionsFinishedTotal, "etlrun_engine_executions_finished_total")
	s.register(reg, s.executionDuration, "etlrun_engine_execution_duration_seconds")
	s.register(reg, s.retriesScheduledTotal, "etlrun_engine_retries_scheduled_total")
	s.register(reg, s.runningExecutions, "etlrun_engine_running_executions")
	s.register(reg, s.queuedExecutions, "etlrun_engine_queued_executions")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "etlrun_eventbus_events_published_total",
		Help: "Total number of events published, by kind.",
	}, []string{"kind"})
	s.progressDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "etlrun_eventbus_progress_events_dropped_total",
		Help: "Total number of progress events dropped from slow subscriber buffers.",
	})
	s.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "etlrun_eventbus_subscribers",
		Help: "Number of attached event subscribers.",
	})

	s.register(reg, s.eventsPublishedTotal, "etlrun_eventbus_events_published_total")
	s.register(reg, s.progressDroppedTotal, "etlrun_eventbus_progress_events_dropped_total")
	s.register(reg, s.subscribers, "etlrun_eventbus_subscribers")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickCompleted(due int, duration time.Duration) {
	s.ticksTotal.Inc()
	s.dueJobsTotal.Add(float64(due))
	s.tickDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RunScheduled() {
	s.runsScheduledTotal.Inc()
}

// Engine metrics implementation

func (s *PrometheusSink) ExecutionStarted() {
	s.executionsStartedTotal.Inc()
}

func (s *PrometheusSink) ExecutionFinished(status domain.ExecutionStatus, class domain.ErrorClass, duration time.Duration) {
	s.executionsFinishedTotal.WithLabelValues(string(status), string(class)).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryScheduled() {
	s.retriesScheduledTotal.Inc()
}

func (s *PrometheusSink) QueueDepth(running, queued int) {
	s.runningExecutions.Set(float64(running))
	s.queuedExecutions.Set(float64(queued))
}

// Event bus metrics implementation

func (s *PrometheusSink) EventPublished(kind string) {
	s.eventsPublishedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) ProgressEventDropped() {
	s.progressDroppedTotal.Inc()
}

func (s *PrometheusSink) SubscribersUpdate(count int) {
	s.subscribers.Set(float64(count))
}

var _ Sink = (*PrometheusSink)(nil)

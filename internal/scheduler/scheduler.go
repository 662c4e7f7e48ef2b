// Package scheduler turns cron schedules into start requests. It keeps no
// state of its own beyond the tick loop: due-ness lives in the store as
// each schedule's next-fire time.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/cron"
	"github.com/jfourny/etlrun/internal/domain"
)

const defaultTickInterval = 30 * time.Second

// Store is the persistence the scheduler needs. UpdateJobSchedule writes
// only the next-fire time: a full job save here would clobber concurrent
// API updates landing between the due listing and the advance.
type Store interface {
	ListDueJobs(ctx context.Context, now time.Time) ([]domain.Job, error)
	UpdateJobSchedule(ctx context.Context, id uuid.UUID, nextFireAt time.Time) error
}

// Starter kicks off an execution for a due job. Satisfied by *engine.Engine.
type Starter interface {
	StartJob(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
}

// MetricsSink receives scheduler counters.
type MetricsSink interface {
	TickCompleted(due int, duration time.Duration)
	RunScheduled()
}

type noopMetrics struct{}

func (noopMetrics) TickCompleted(int, time.Duration) {}
func (noopMetrics) RunScheduled()                    {}

type Scheduler struct {
	store   Store
	starter Starter
	parser  *cron.Parser
	clock   clock.Clock
	logger  *log.Logger
	metrics MetricsSink
	tick    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*Scheduler)

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m MetricsSink) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

func New(store Store, starter Starter, clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		starter: starter,
		parser:  cron.NewParser(),
		clock:   clk,
		logger:  log.New(os.Stdout, "scheduler: ", log.LstdFlags),
		metrics: noopMetrics{},
		tick:    defaultTickInterval,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until Stop is called or ctx is cancelled. Call it on its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Printf("ticking every %s", s.tick)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// One pass immediately so a restart doesn't wait out a full interval.
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the tick loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Tick runs one scheduling pass: start every due job, then advance its
// next-fire time. Exported so the serve loop and tests can force a pass.
func (s *Scheduler) Tick(ctx context.Context) {
	started := time.Now()
	now := s.clock.Now()

	due, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		s.logger.Printf("list due jobs: %v", err)
		return
	}
	for _, job := range due {
		s.dispatch(ctx, job, now)
	}
	s.metrics.TickCompleted(len(due), time.Since(started))
}

func (s *Scheduler) dispatch(ctx context.Context, job domain.Job, now time.Time) {
	_, err := s.starter.StartJob(ctx, job.ID)
	switch {
	case err == nil:
		s.metrics.RunScheduled()
		s.logger.Printf("job %s (%s): scheduled run", job.ID, job.Name)
	case errors.Is(err, domain.ErrAlreadyRunning):
		// The previous run is still going; this fire is skipped and the
		// schedule advances below.
		s.logger.Printf("job %s (%s): still running, skipping fire", job.ID, job.Name)
	case errors.Is(err, domain.ErrJobNotFound):
		return
	default:
		s.logger.Printf("job %s (%s): start failed: %v", job.ID, job.Name, err)
		return
	}

	if err := s.AdvanceSchedule(ctx, &job, now); err != nil {
		s.logger.Printf("job %s (%s): advance schedule: %v", job.ID, job.Name, err)
	}
}

// AdvanceSchedule recomputes the job's next-fire time forward from now
// and persists it. Computing from now rather than from the missed fire
// means downtime produces at most one catch-up run, never a replay of
// every missed interval.
func (s *Scheduler) AdvanceSchedule(ctx context.Context, job *domain.Job, now time.Time) error {
	if job.Schedule == nil {
		return nil
	}
	sched, err := s.parser.Parse(job.Schedule.CronExpression, job.Schedule.Timezone)
	if err != nil {
		return err
	}
	next := sched.Next(now)
	job.Schedule.NextFireAt = &next
	return s.store.UpdateJobSchedule(ctx, job.ID, next)
}

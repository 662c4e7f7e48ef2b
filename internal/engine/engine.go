// Package engine owns the execution lifecycle: it creates executions,
// moves them through the state machine, and runs the admission →
// orchestrate → retry loop for each one on its own goroutine.
package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/controller"
	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/eventbus"
	"github.com/jfourny/etlrun/internal/retry"
)

// ErrClosed is returned by StartJob after Close has begun.
var ErrClosed = errors.New("engine is shutting down")

// persistTimeout bounds terminal-state writes, which run on a fresh
// context because the run's own context is usually already cancelled.
const persistTimeout = 5 * time.Second

// Store is the persistence the engine needs. The memory and postgres
// adapters both satisfy it.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	AppendExecution(ctx context.Context, exec domain.Execution) error
	UpdateExecution(ctx context.Context, exec domain.Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error)
}

// Runner drives one execution attempt. Satisfied by *orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, job domain.Job, exec *domain.Execution) error
}

// MetricsSink receives engine-level counters. All methods must be cheap
// and non-blocking.
type MetricsSink interface {
	ExecutionStarted()
	ExecutionFinished(status domain.ExecutionStatus, class domain.ErrorClass, duration time.Duration)
	RetryScheduled()
	QueueDepth(running, queued int)
}

type noopMetrics struct{}

func (noopMetrics) ExecutionStarted()                                                       {}
func (noopMetrics) ExecutionFinished(domain.ExecutionStatus, domain.ErrorClass, time.Duration) {}
func (noopMetrics) RetryScheduled()                                                         {}
func (noopMetrics) QueueDepth(int, int)                                                     {}

// OutcomeRecorder receives terminal outcomes for trend analytics.
// Best-effort: implementations log their failures and never return them.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, jobID uuid.UUID, status domain.ExecutionStatus)
}

type activeRun struct {
	jobID  uuid.UUID
	cancel context.CancelFunc
}

type Engine struct {
	store     Store
	runner    Runner
	bus       *eventbus.Bus
	ctrl      *controller.Controller
	clock     clock.Clock
	logger    *log.Logger
	metrics   MetricsSink
	analytics OutcomeRecorder

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	closed bool
	active map[uuid.UUID]*activeRun // by execution ID
	byJob  map[uuid.UUID]uuid.UUID  // job ID -> active execution ID

	wg sync.WaitGroup
}

func New(store Store, runner Runner, bus *eventbus.Bus, ctrl *controller.Controller, clk clock.Clock) *Engine {
	baseCtx, cancelAll := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		runner:    runner,
		bus:       bus,
		ctrl:      ctrl,
		clock:     clk,
		logger:    log.New(os.Stdout, "engine: ", log.LstdFlags),
		metrics:   noopMetrics{},
		baseCtx:   baseCtx,
		cancelAll: cancelAll,
		active:    make(map[uuid.UUID]*activeRun),
		byJob:     make(map[uuid.UUID]uuid.UUID),
	}
}

// WithMetrics attaches a metrics sink. Call before the engine starts work.
func (e *Engine) WithMetrics(m MetricsSink) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithAnalytics attaches an outcome recorder. Call before the engine
// starts work.
func (e *Engine) WithAnalytics(a OutcomeRecorder) *Engine {
	e.analytics = a
	return e
}

// WithLogger replaces the default logger.
func (e *Engine) WithLogger(l *log.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// StartJob creates a pending execution for the job and begins its
// lifecycle. Returns ErrAlreadyRunning while the job has a non-terminal
// execution; at most one is ever live per job.
func (e *Engine) StartJob(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return uuid.Nil, ErrClosed
	}
	if _, busy := e.byJob[jobID]; busy {
		e.mu.Unlock()
		cancel()
		return uuid.Nil, domain.ErrAlreadyRunning
	}
	now := e.clock.Now()
	exec := domain.Execution{
		ID:         uuid.New(),
		JobID:      jobID,
		Status:     domain.ExecutionStatusPending,
		Attempt:    1,
		EnqueuedAt: now,
		CreatedAt:  now,
	}
	e.byJob[jobID] = exec.ID
	e.active[exec.ID] = &activeRun{jobID: jobID, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.store.AppendExecution(ctx, exec); err != nil {
		e.unregister(jobID, exec.ID)
		cancel()
		e.wg.Done()
		return uuid.Nil, err
	}

	e.publishStatus(&exec)
	go e.lifecycle(runCtx, job, exec)
	return exec.ID, nil
}

// StopExecution cancels a queued, sleeping, or running execution
// cooperatively. The execution reaches cancelled within one chunk.
func (e *Engine) StopExecution(ctx context.Context, execID uuid.UUID) error {
	e.mu.Lock()
	run, live := e.active[execID]
	e.mu.Unlock()
	if live {
		e.ctrl.TryCancel(execID)
		run.cancel()
		return nil
	}

	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return domain.ErrExecutionTerminal
	}

	// Non-terminal in the store but not live here: left over from a
	// previous process. Close it out directly.
	fin := e.clock.Now()
	exec.Status = domain.ExecutionStatusCancelled
	exec.FinishedAt = &fin
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.publishStatus(&exec)
	return nil
}

// CancelJob cancels the job's active execution, if any. Used by the
// delete cascade; unknown jobs are a no-op.
func (e *Engine) CancelJob(jobID uuid.UUID) {
	e.mu.Lock()
	execID, ok := e.byJob[jobID]
	var run *activeRun
	if ok {
		run = e.active[execID]
	}
	e.mu.Unlock()
	if run != nil {
		e.ctrl.TryCancel(execID)
		run.cancel()
	}
}

func (e *Engine) GetExecution(ctx context.Context, execID uuid.UUID) (domain.Execution, error) {
	return e.store.GetExecution(ctx, execID)
}

func (e *Engine) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Subscribe streams the execution's events until it reaches a terminal
// status or the subscription is closed.
func (e *Engine) Subscribe(execID uuid.UUID) *eventbus.Subscription {
	return e.bus.Subscribe(execID)
}

// Recover closes out executions the store still shows as live but that no
// longer have a running lifecycle, as happens after a process restart.
// Runs that were mid-flight become failed; queued or sleeping ones become
// cancelled. Returns the number of executions swept.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	swept := 0
	for _, status := range []domain.ExecutionStatus{
		domain.ExecutionStatusPending,
		domain.ExecutionStatusRunning,
		domain.ExecutionStatusRetrying,
	} {
		s := status
		execs, err := e.store.ListExecutions(ctx, domain.ExecutionFilter{Status: &s})
		if err != nil {
			return swept, err
		}
		for _, exec := range execs {
			e.mu.Lock()
			_, live := e.active[exec.ID]
			e.mu.Unlock()
			if live {
				continue
			}
			fin := e.clock.Now()
			exec.FinishedAt = &fin
			if status == domain.ExecutionStatusRunning {
				exec.Status = domain.ExecutionStatusFailed
				exec.Error = "interrupted by restart"
				exec.ErrorClass = domain.ClassUnknown
			} else {
				exec.Status = domain.ExecutionStatusCancelled
			}
			if err := e.store.UpdateExecution(ctx, exec); err != nil {
				e.logger.Printf("recover: execution %s: %v", exec.ID, err)
				continue
			}
			e.publishStatus(&exec)
			swept++
		}
	}
	return swept, nil
}

// Close stops intake and waits for in-flight executions to drain. When
// ctx expires first, remaining runs are cancelled cooperatively and Close
// waits for them to finish cancelling.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	e.cancelAll()
	<-done
	return ctx.Err()
}

// lifecycle runs one execution through admission, orchestration and
// retries until it reaches a terminal status.
func (e *Engine) lifecycle(ctx context.Context, job domain.Job, exec domain.Execution) {
	defer e.wg.Done()
	defer e.unregister(job.ID, exec.ID)

	for {
		e.metrics.QueueDepth(e.ctrl.Running(), e.ctrl.QueueLen())
		if err := e.ctrl.Admit(ctx, exec.ID); err != nil {
			e.finalize(&exec, domain.ExecutionStatusCancelled)
			return
		}

		started := e.clock.Now()
		exec.Status = domain.ExecutionStatusRunning
		exec.StartedAt = &started
		e.persist(&exec)
		e.publishStatus(&exec)
		e.metrics.ExecutionStarted()
		e.metrics.QueueDepth(e.ctrl.Running(), e.ctrl.QueueLen())

		runErr := e.runner.Run(ctx, job, &exec)
		e.ctrl.Release()

		switch {
		case runErr == nil:
			e.finalize(&exec, domain.ExecutionStatusCompleted)
			return
		case errors.Is(runErr, context.Canceled):
			e.finalize(&exec, domain.ExecutionStatusCancelled)
			return
		}

		class := domain.Classify(runErr)
		exec.Error = runErr.Error()
		exec.ErrorClass = class
		decision := retry.Decide(job.Retry, exec.Attempt, class, e.clock.Now())
		if !decision.Retry {
			e.finalize(&exec, domain.ExecutionStatusFailed)
			return
		}

		at := decision.At
		exec.Status = domain.ExecutionStatusRetrying
		exec.NextRetryAt = &at
		e.persist(&exec)
		e.publishStatus(&exec)
		e.metrics.RetryScheduled()
		e.logger.Printf("execution %s: attempt %d failed (%s), retry at %s",
			exec.ID, exec.Attempt, class, at.Format(time.RFC3339))

		if err := e.clock.SleepUntil(ctx, at); err != nil {
			e.finalize(&exec, domain.ExecutionStatusCancelled)
			return
		}

		// Fresh attempt: progress, counters and failure detail reset.
		exec.Attempt++
		exec.Status = domain.ExecutionStatusPending
		exec.Progress = 0
		exec.Phase = ""
		exec.RowsExtracted = 0
		exec.RowsTransformed = 0
		exec.RowsLoaded = 0
		exec.NextRetryAt = nil
		exec.Error = ""
		exec.ErrorClass = ""
		e.persist(&exec)
		e.publishStatus(&exec)
	}
}

// finalize persists the terminal state, then publishes the terminal
// event. Order matters: a subscriber reacting to the event must be able
// to read the terminal row.
func (e *Engine) finalize(exec *domain.Execution, status domain.ExecutionStatus) {
	fin := e.clock.Now()
	exec.Status = status
	exec.FinishedAt = &fin
	if status == domain.ExecutionStatusCompleted {
		exec.Progress = 100
	}
	e.persist(exec)
	e.publishStatus(exec)

	var dur time.Duration
	if exec.StartedAt != nil {
		dur = fin.Sub(*exec.StartedAt)
	}
	e.metrics.ExecutionFinished(status, exec.ErrorClass, dur)
	if e.analytics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		e.analytics.RecordOutcome(ctx, exec.JobID, status)
		cancel()
	}
	e.logger.Printf("execution %s: job %s finished %s after attempt %d",
		exec.ID, exec.JobID, status, exec.Attempt)
}

// persist writes the execution on a fresh context so terminal updates
// survive the run context being cancelled.
func (e *Engine) persist(exec *domain.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		e.logger.Printf("execution %s: persist %s failed: %v", exec.ID, exec.Status, err)
	}
}

func (e *Engine) publishStatus(exec *domain.Execution) {
	e.bus.Publish(domain.Event{
		Kind:        domain.EventKindStatus,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Progress:    exec.Progress,
		Phase:       exec.Phase,
		Rows: domain.RowCounts{
			Extracted:   exec.RowsExtracted,
			Transformed: exec.RowsTransformed,
			Loaded:      exec.RowsLoaded,
		},
		Timestamp: e.clock.Now(),
	})
}

func (e *Engine) unregister(jobID, execID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, execID)
	if e.byJob[jobID] == execID {
		delete(e.byJob, jobID)
	}
}

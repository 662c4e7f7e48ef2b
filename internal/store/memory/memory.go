// Package memory is the in-memory store adapter, the default driver and
// the one the test suites run against.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/engine"
	"github.com/jfourny/etlrun/internal/orchestrator"
)

var (
	_ engine.Store       = (*Store)(nil)
	_ orchestrator.Store = (*Store)(nil)
)

// Store keeps jobs, executions and logs in process memory. All methods
// are safe for concurrent use; updates to one execution are applied in
// submission order because each one runs under the same mutex.
type Store struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]domain.Job
	execs     map[uuid.UUID]domain.Execution
	execOrder []uuid.UUID
	logs      map[uuid.UUID][]domain.LogEntry
}

func New() *Store {
	return &Store{
		jobs:  make(map[uuid.UUID]domain.Job),
		execs: make(map[uuid.UUID]domain.Execution),
		logs:  make(map[uuid.UUID][]domain.LogEntry),
	}
}

func (s *Store) GetJob(_ context.Context, id uuid.UUID) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

// SaveJob inserts the job or fully replaces an existing one.
func (s *Store) SaveJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// DeleteJob removes the job along with its executions and logs.
func (s *Store) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(s.jobs, id)

	kept := s.execOrder[:0]
	for _, execID := range s.execOrder {
		if s.execs[execID].JobID == id {
			delete(s.execs, execID)
			delete(s.logs, execID)
			continue
		}
		kept = append(kept, execID)
	}
	s.execOrder = kept
	return nil
}

// ListJobs returns jobs ordered by creation time, oldest first.
func (s *Store) ListJobs(_ context.Context, limit, offset int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
	return paginate(jobs, limit, offset), nil
}

// ListDueJobs returns enabled jobs whose enabled schedule has a next-fire
// time at or before now.
func (s *Store) ListDueJobs(_ context.Context, now time.Time) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []domain.Job
	for _, job := range s.jobs {
		if !job.Enabled || job.Schedule == nil || !job.Schedule.Enabled {
			continue
		}
		if job.Schedule.NextFireAt == nil || job.Schedule.NextFireAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID.String() < due[j].ID.String() })
	return due, nil
}

// UpdateJobSchedule sets only the job's next-fire time. Jobs that are
// gone or lost their schedule since being listed are left alone.
func (s *Store) UpdateJobSchedule(_ context.Context, id uuid.UUID, nextFireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Schedule == nil {
		return nil
	}
	sched := *job.Schedule
	sched.NextFireAt = &nextFireAt
	job.Schedule = &sched
	s.jobs[id] = job
	return nil
}

func (s *Store) AppendExecution(_ context.Context, exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; ok {
		return domain.ConfigErrorf("execution %s already exists", exec.ID)
	}
	s.execs[exec.ID] = exec
	s.execOrder = append(s.execOrder, exec.ID)
	return nil
}

// UpdateExecution replaces the stored row, refusing to touch one that is
// already terminal.
func (s *Store) UpdateExecution(_ context.Context, exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.execs[exec.ID]
	if !ok {
		return domain.ErrExecutionNotFound
	}
	if current.Status.IsTerminal() {
		return domain.ErrExecutionTerminal
	}
	s.execs[exec.ID] = exec
	return nil
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[id]
	if !ok {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	return exec, nil
}

// ListExecutions returns executions newest first, narrowed by the filter.
func (s *Store) ListExecutions(_ context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Execution
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		exec := s.execs[s.execOrder[i]]
		if filter.JobID != nil && exec.JobID != *filter.JobID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		out = append(out, exec)
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) AppendLog(_ context.Context, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, execID uuid.UUID) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.logs[execID]
	out := make([]domain.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Ping satisfies the health check the HTTP API runs in verbose mode.
func (s *Store) Ping(context.Context) error { return nil }

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

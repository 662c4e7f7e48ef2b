// Package postgres is the PostgreSQL store adapter. Job sub-documents
// (source, rules, destination) are stored as JSONB; schedule fields get
// real columns so due-job selection happens in SQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/engine"
	"github.com/jfourny/etlrun/internal/orchestrator"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the given pool limits and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables and indexes when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, id))
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	source, err := json.Marshal(job.Source)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(job.Rules)
	if err != nil {
		return err
	}
	dest, err := json.Marshal(job.Destination)
	if err != nil {
		return err
	}

	var expr, tz sql.NullString
	var schedEnabled sql.NullBool
	var nextFire sql.NullTime
	if job.Schedule != nil {
		expr = sql.NullString{String: job.Schedule.CronExpression, Valid: true}
		tz = sql.NullString{String: job.Schedule.Timezone, Valid: true}
		schedEnabled = sql.NullBool{Bool: job.Schedule.Enabled, Valid: true}
		if job.Schedule.NextFireAt != nil {
			nextFire = sql.NullTime{Time: *job.Schedule.NextFireAt, Valid: true}
		}
	}

	_, err = s.db.ExecContext(ctx, queryUpsertJob,
		job.ID,
		job.Name,
		job.Description,
		source,
		rules,
		dest,
		expr,
		tz,
		schedEnabled,
		nextFire,
		job.Notify.OnSuccess,
		job.Notify.OnFailure,
		job.Retry.MaxAttempts,
		job.Retry.BaseDelay.Milliseconds(),
		job.Retry.Multiplier,
		job.Enabled,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// UpdateJobSchedule sets only the job's next-fire time, leaving every
// other column to concurrent writers. Jobs that are gone or lost their
// schedule since being listed are left alone.
func (s *Store) UpdateJobSchedule(ctx context.Context, id uuid.UUID, nextFireAt time.Time) error {
	_, err := s.db.ExecContext(ctx, queryUpdateJobSchedule, id, nextFireAt)
	return err
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	var deleted uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteJob, id).Scan(&deleted)
	if err == sql.ErrNoRows {
		return domain.ErrJobNotFound
	}
	return err
}

func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryListJobs, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, queryListDueJobs, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func (s *Store) AppendExecution(ctx context.Context, exec domain.Execution) error {
	_, err := s.db.ExecContext(ctx, queryInsertExecution,
		exec.ID,
		exec.JobID,
		string(exec.Status),
		exec.Attempt,
		exec.Progress,
		exec.Phase,
		exec.RowsExtracted,
		exec.RowsTransformed,
		exec.RowsLoaded,
		exec.EnqueuedAt,
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		nullTime(exec.NextRetryAt),
		exec.Error,
		string(exec.ErrorClass),
		exec.CreatedAt,
	)
	return err
}

// UpdateExecution replaces the mutable execution columns. The terminal
// guard sits in the WHERE clause: Postgres locks the row before
// evaluating it, so concurrent writers serialize and a terminal row is
// never overwritten.
func (s *Store) UpdateExecution(ctx context.Context, exec domain.Execution) error {
	result, err := s.db.ExecContext(ctx, queryUpdateExecution,
		exec.ID,
		string(exec.Status),
		exec.Attempt,
		exec.Progress,
		exec.Phase,
		exec.RowsExtracted,
		exec.RowsTransformed,
		exec.RowsLoaded,
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		nullTime(exec.NextRetryAt),
		exec.Error,
		string(exec.ErrorClass),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Missing row or terminal row; tell them apart.
		var status string
		err := s.db.QueryRowContext(ctx, queryGetExecutionStatus, exec.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return domain.ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrExecutionTerminal
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (domain.Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx, queryGetExecution, id))
	if err == sql.ErrNoRows {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	return exec, err
}

func (s *Store) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	var sb strings.Builder
	sb.WriteString("SELECT" + executionColumns + "\nFROM executions")

	var conds []string
	var args []any
	if filter.JobID != nil {
		args = append(args, *filter.JobID)
		conds = append(conds, "job_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		sb.WriteString("\nWHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString("\nORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString("\nLIMIT $" + strconv.Itoa(len(args)))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sb.WriteString("\nOFFSET $" + strconv.Itoa(len(args)))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

func (s *Store) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	_, err := s.db.ExecContext(ctx, queryInsertLog,
		entry.ExecutionID,
		entry.Seq,
		string(entry.Level),
		entry.Message,
		entry.Timestamp,
	)
	return err
}

func (s *Store) ListLogs(ctx context.Context, execID uuid.UUID) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryListLogs, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var level string
		if err := rows.Scan(&entry.ExecutionID, &entry.Seq, &level, &entry.Message, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Level = domain.LogLevel(level)
		result = append(result, entry)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var job domain.Job
	var source, rules, dest []byte
	var expr, tz sql.NullString
	var schedEnabled sql.NullBool
	var nextFire sql.NullTime
	var baseDelayMs int64

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Description,
		&source,
		&rules,
		&dest,
		&expr,
		&tz,
		&schedEnabled,
		&nextFire,
		&job.Notify.OnSuccess,
		&job.Notify.OnFailure,
		&job.Retry.MaxAttempts,
		&baseDelayMs,
		&job.Retry.Multiplier,
		&job.Enabled,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	if err := json.Unmarshal(source, &job.Source); err != nil {
		return domain.Job{}, fmt.Errorf("decode source: %w", err)
	}
	if err := json.Unmarshal(rules, &job.Rules); err != nil {
		return domain.Job{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := json.Unmarshal(dest, &job.Destination); err != nil {
		return domain.Job{}, fmt.Errorf("decode destination: %w", err)
	}
	job.Retry.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond

	if expr.Valid {
		job.Schedule = &domain.Schedule{
			CronExpression: expr.String,
			Timezone:       tz.String,
			Enabled:        schedEnabled.Bool,
		}
		if nextFire.Valid {
			t := nextFire.Time.UTC()
			job.Schedule.NextFireAt = &t
		}
	}
	return job, nil
}

func scanExecution(row scanner) (domain.Execution, error) {
	var exec domain.Execution
	var status, class string
	var started, finished, nextRetry sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&status,
		&exec.Attempt,
		&exec.Progress,
		&exec.Phase,
		&exec.RowsExtracted,
		&exec.RowsTransformed,
		&exec.RowsLoaded,
		&exec.EnqueuedAt,
		&started,
		&finished,
		&nextRetry,
		&exec.Error,
		&class,
		&exec.CreatedAt,
	)
	if err != nil {
		return domain.Execution{}, err
	}
	exec.Status = domain.ExecutionStatus(status)
	exec.ErrorClass = domain.ErrorClass(class)
	exec.StartedAt = timePtr(started)
	exec.FinishedAt = timePtr(finished)
	exec.NextRetryAt = timePtr(nextRetry)
	return exec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

// Compile-time interface assertions.
var (
	_ engine.Store       = (*Store)(nil)
	_ orchestrator.Store = (*Store)(nil)
)

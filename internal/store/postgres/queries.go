package postgres

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                  UUID PRIMARY KEY,
    name                TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    source              JSONB NOT NULL,
    rules               JSONB NOT NULL DEFAULT '[]',
    destination         JSONB NOT NULL,
    cron_expression     TEXT,
    timezone            TEXT,
    schedule_enabled    BOOLEAN,
    next_fire_at        TIMESTAMPTZ,
    notify_on_success   BOOLEAN NOT NULL DEFAULT FALSE,
    notify_on_failure   BOOLEAN NOT NULL DEFAULT FALSE,
    retry_max_attempts  INT NOT NULL DEFAULT 0,
    retry_base_delay_ms BIGINT NOT NULL DEFAULT 0,
    retry_multiplier    DOUBLE PRECISION NOT NULL DEFAULT 1,
    enabled             BOOLEAN NOT NULL DEFAULT TRUE,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id               UUID PRIMARY KEY,
    job_id           UUID NOT NULL,
    status           TEXT NOT NULL,
    attempt          INT NOT NULL,
    progress         INT NOT NULL DEFAULT 0,
    phase            TEXT NOT NULL DEFAULT '',
    rows_extracted   BIGINT NOT NULL DEFAULT 0,
    rows_transformed BIGINT NOT NULL DEFAULT 0,
    rows_loaded      BIGINT NOT NULL DEFAULT 0,
    enqueued_at      TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    finished_at      TIMESTAMPTZ,
    next_retry_at    TIMESTAMPTZ,
    error            TEXT NOT NULL DEFAULT '',
    error_class      TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_logs (
    execution_id UUID NOT NULL,
    seq          BIGINT NOT NULL,
    level        TEXT NOT NULL,
    message      TEXT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (execution_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_jobs_next_fire
    ON jobs (next_fire_at)
    WHERE enabled AND schedule_enabled;
CREATE INDEX IF NOT EXISTS idx_executions_job ON executions (job_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);
`

const jobColumns = `
    id, name, description, source, rules, destination,
    cron_expression, timezone, schedule_enabled, next_fire_at,
    notify_on_success, notify_on_failure,
    retry_max_attempts, retry_base_delay_ms, retry_multiplier,
    enabled, created_at, updated_at`

const queryGetJob = `
SELECT` + jobColumns + `
FROM jobs
WHERE id = $1
`

const queryListJobs = `
SELECT` + jobColumns + `
FROM jobs
ORDER BY created_at ASC, id ASC
LIMIT $1 OFFSET $2
`

const queryListDueJobs = `
SELECT` + jobColumns + `
FROM jobs
WHERE enabled
  AND schedule_enabled
  AND next_fire_at IS NOT NULL
  AND next_fire_at <= $1
ORDER BY id ASC
`

const queryUpsertJob = `
INSERT INTO jobs (
    id, name, description, source, rules, destination,
    cron_expression, timezone, schedule_enabled, next_fire_at,
    notify_on_success, notify_on_failure,
    retry_max_attempts, retry_base_delay_ms, retry_multiplier,
    enabled, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    source = EXCLUDED.source,
    rules = EXCLUDED.rules,
    destination = EXCLUDED.destination,
    cron_expression = EXCLUDED.cron_expression,
    timezone = EXCLUDED.timezone,
    schedule_enabled = EXCLUDED.schedule_enabled,
    next_fire_at = EXCLUDED.next_fire_at,
    notify_on_success = EXCLUDED.notify_on_success,
    notify_on_failure = EXCLUDED.notify_on_failure,
    retry_max_attempts = EXCLUDED.retry_max_attempts,
    retry_base_delay_ms = EXCLUDED.retry_base_delay_ms,
    retry_multiplier = EXCLUDED.retry_multiplier,
    enabled = EXCLUDED.enabled,
    updated_at = EXCLUDED.updated_at
`

const queryUpdateJobSchedule = `
UPDATE jobs
SET next_fire_at = $2
WHERE id = $1
  AND cron_expression IS NOT NULL
`

const queryDeleteJob = `
WITH deleted_logs AS (
    DELETE FROM execution_logs
    WHERE execution_id IN (SELECT id FROM executions WHERE job_id = $1)
),
deleted_executions AS (
    DELETE FROM executions WHERE job_id = $1
)
DELETE FROM jobs WHERE id = $1
RETURNING id`

const executionColumns = `
    id, job_id, status, attempt, progress, phase,
    rows_extracted, rows_transformed, rows_loaded,
    enqueued_at, started_at, finished_at, next_retry_at,
    error, error_class, created_at`

const queryInsertExecution = `
INSERT INTO executions (
    id, job_id, status, attempt, progress, phase,
    rows_extracted, rows_transformed, rows_loaded,
    enqueued_at, started_at, finished_at, next_retry_at,
    error, error_class, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

const queryGetExecution = `
SELECT` + executionColumns + `
FROM executions
WHERE id = $1
`

const queryGetExecutionStatus = `
SELECT status FROM executions WHERE id = $1
`

const queryUpdateExecution = `
UPDATE executions SET
    status = $2,
    attempt = $3,
    progress = $4,
    phase = $5,
    rows_extracted = $6,
    rows_transformed = $7,
    rows_loaded = $8,
    started_at = $9,
    finished_at = $10,
    next_retry_at = $11,
    error = $12,
    error_class = $13
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'cancelled')
`

const queryInsertLog = `
INSERT INTO execution_logs (execution_id, seq, level, message, ts)
VALUES ($1, $2, $3, $4, $5)
`

const queryListLogs = `
SELECT execution_id, seq, level, message, ts
FROM execution_logs
WHERE execution_id = $1
ORDER BY ts ASC, seq ASC
`

// Package api exposes the HTTP surface: job CRUD, execution control,
// log retrieval, event streaming and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/cron"
	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/engine"
	"github.com/jfourny/etlrun/internal/eventbus"
	"github.com/jfourny/etlrun/internal/pipeline"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize caps request bodies at 1MB.
const maxRequestBodySize = 1 << 20

// Store is the subset of the persistence layer the handler needs for
// job CRUD and log retrieval.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	SaveJob(ctx context.Context, job domain.Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
	ListJobs(ctx context.Context, limit, offset int) ([]domain.Job, error)
	ListLogs(ctx context.Context, execID uuid.UUID) ([]domain.LogEntry, error)
	Ping(ctx context.Context) error
}

// Engine is the execution-control surface the handler drives.
type Engine interface {
	StartJob(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
	StopExecution(ctx context.Context, execID uuid.UUID) error
	CancelJob(jobID uuid.UUID)
	GetExecution(ctx context.Context, execID uuid.UUID) (domain.Execution, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error)
	Subscribe(execID uuid.UUID) *eventbus.Subscription
}

type Handler struct {
	store    Store
	engine   Engine
	registry *pipeline.Registry
	parser   *cron.Parser
	clock    clock.Clock
	logger   *log.Logger
}

func NewHandler(store Store, eng Engine, registry *pipeline.Registry, clk clock.Clock) *Handler {
	return &Handler{
		store:    store,
		engine:   eng,
		registry: registry,
		parser:   cron.NewParser(),
		clock:    clk,
		logger:   log.New(os.Stdout, "api: ", log.LstdFlags),
	}
}

// WithLogger replaces the default logger.
func (h *Handler) WithLogger(l *log.Logger) *Handler {
	h.logger = l
	return h
}

// Router builds the route table.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", h.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
		r.Put("/{id}", h.updateJob)
		r.Delete("/{id}", h.deleteJob)
		r.Post("/{id}/start", h.startJob)
	})

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", h.listExecutions)
		r.Get("/{id}", h.getExecution)
		r.Get("/{id}/logs", h.listLogs)
		r.Post("/{id}/stop", h.stopExecution)
		r.Get("/{id}/events", h.streamEvents)
	})

	return r
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") != "true" {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	code := http.StatusOK
	if resp.Status == "degraded" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.decodeSpec(w, r)
	if !ok {
		return
	}

	job, err := JobFromSpec(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock.Now().UTC()
	job.ID = uuid.New()
	job.CreatedAt = now
	job.UpdatedAt = now
	h.primeSchedule(&job, now)

	if err := h.store.SaveJob(r.Context(), job); err != nil {
		h.logger.Printf("create job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, jobResponse(job))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid job id")
	if !ok {
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.jobError(w, err, "get job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// updateJob replaces the full definition; ID and CreatedAt are kept.
func (h *Handler) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid job id")
	if !ok {
		return
	}

	existing, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.jobError(w, err, "update job")
		return
	}

	spec, ok := h.decodeSpec(w, r)
	if !ok {
		return
	}

	job, err := JobFromSpec(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock.Now().UTC()
	job.ID = existing.ID
	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = now
	h.primeSchedule(&job, now)

	if err := h.store.SaveJob(r.Context(), job); err != nil {
		h.logger.Printf("update job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to update job")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job))
}

// deleteJob cancels any live execution before removing the job and its
// execution history.
func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid job id")
	if !ok {
		return
	}

	h.engine.CancelJob(id)

	if err := h.store.DeleteJob(r.Context(), id); err != nil {
		h.jobError(w, err, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		h.logger.Printf("list jobs: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = jobResponse(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) startJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid job id")
	if !ok {
		return
	}

	execID, err := h.engine.StartJob(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, StartJobResponse{ExecutionID: execID.String()})
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "job already has an active execution")
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "engine is shutting down")
	default:
		h.logger.Printf("start job %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to start job")
	}
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := domain.ExecutionFilter{Limit: limit, Offset: offset}

	if raw := r.URL.Query().Get("job_id"); raw != "" {
		jobID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job_id")
			return
		}
		filter.JobID = &jobID
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.ExecutionStatus(raw)
		switch status {
		case domain.ExecutionStatusPending, domain.ExecutionStatusRunning,
			domain.ExecutionStatusRetrying, domain.ExecutionStatusCompleted,
			domain.ExecutionStatusFailed, domain.ExecutionStatusCancelled:
			filter.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}

	executions, err := h.engine.ListExecutions(r.Context(), filter)
	if err != nil {
		h.logger.Printf("list executions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(executions))}
	for i, exec := range executions {
		resp.Executions[i] = executionResponse(exec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid execution id")
	if !ok {
		return
	}

	exec, err := h.engine.GetExecution(r.Context(), id)
	if err != nil {
		h.executionError(w, err, "get execution")
		return
	}
	writeJSON(w, http.StatusOK, executionResponse(exec))
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid execution id")
	if !ok {
		return
	}

	if _, err := h.engine.GetExecution(r.Context(), id); err != nil {
		h.executionError(w, err, "list logs")
		return
	}

	logs, err := h.store.ListLogs(r.Context(), id)
	if err != nil {
		h.logger.Printf("list logs %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}

	resp := ListLogsResponse{Logs: make([]LogEntryResponse, len(logs))}
	for i, entry := range logs {
		resp.Logs[i] = LogEntryResponse{
			Seq:       entry.Seq,
			Level:     string(entry.Level),
			Message:   entry.Message,
			Timestamp: formatTime(entry.Timestamp),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) stopExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid execution id")
	if !ok {
		return
	}

	err := h.engine.StopExecution(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, domain.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, domain.ErrExecutionTerminal):
		writeError(w, http.StatusConflict, "execution already finished")
	default:
		h.logger.Printf("stop execution %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to stop execution")
	}
}

// decodeSpec reads and validates a job spec from the request body.
func (h *Handler) decodeSpec(w http.ResponseWriter, r *http.Request) (JobSpec, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var spec JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return JobSpec{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return JobSpec{}, false
	}

	if err := ValidateSpec(spec, h.registry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return JobSpec{}, false
	}
	return spec, true
}

// primeSchedule caches the first fire time so the scheduler picks the
// job up without waiting for an advance.
func (h *Handler) primeSchedule(job *domain.Job, now time.Time) {
	if job.Schedule == nil || !job.Schedule.Enabled {
		return
	}
	sched, err := h.parser.Parse(job.Schedule.CronExpression, job.Schedule.Timezone)
	if err != nil {
		// Validation already accepted the expression.
		return
	}
	next := sched.Next(now)
	job.Schedule.NextFireAt = &next
}

func (h *Handler) jobError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, domain.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func (h *Handler) executionError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, domain.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	h.logger.Printf("%s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func parseID(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, msg)
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts limit/offset query parameters, applying
// DefaultLimit when limit is absent and rejecting values over MaxLimit.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("invalid limit")
		}
		if limit > MaxLimit {
			return 0, 0, fmt.Errorf("limit exceeds maximum of %d", MaxLimit)
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset")
		}
	}

	return limit, offset, nil
}

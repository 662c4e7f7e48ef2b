package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/engine"
	"github.com/jfourny/etlrun/internal/eventbus"
	"github.com/jfourny/etlrun/internal/pipeline"
	"github.com/jfourny/etlrun/internal/store/memory"
	"github.com/jfourny/etlrun/internal/testutil"
)

// fakeEngine implements Engine for handler tests. Reads delegate to the
// memory store; control calls are scripted per test.
type fakeEngine struct {
	mu    sync.Mutex
	store *memory.Store
	bus   *eventbus.Bus

	startID  uuid.UUID
	startErr error
	stopErr  error

	cancelled []uuid.UUID
}

func (e *fakeEngine) StartJob(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startID, e.startErr
}

func (e *fakeEngine) StopExecution(ctx context.Context, execID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopErr != nil {
		return e.stopErr
	}
	if _, err := e.store.GetExecution(ctx, execID); err != nil {
		return err
	}
	return nil
}

func (e *fakeEngine) CancelJob(jobID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, jobID)
}

func (e *fakeEngine) GetExecution(ctx context.Context, execID uuid.UUID) (domain.Execution, error) {
	return e.store.GetExecution(ctx, execID)
}

func (e *fakeEngine) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

func (e *fakeEngine) Subscribe(execID uuid.UUID) *eventbus.Subscription {
	return e.bus.Subscribe(execID)
}

type testAPI struct {
	store   *memory.Store
	engine  *fakeEngine
	bus     *eventbus.Bus
	handler http.Handler
	clock   *testutil.FakeClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	bus := eventbus.New()
	eng := &fakeEngine{store: store, bus: bus, startID: uuid.New()}
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	h := NewHandler(store, eng, pipeline.NewDefaultRegistry(), clk)
	return &testAPI{store: store, engine: eng, bus: bus, handler: h.Router(), clock: clk}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

const validJobBody = `{
	"name": "orders-nightly",
	"source": {"type": "csv", "options": {"path": "/data/orders.csv"}},
	"rules": [{"kind": "filter", "column": "status", "op": "eq", "value": "paid"}],
	"destination": {"type": "jsonl", "options": {"path": "/out/orders.jsonl"}, "if_exists": "replace"},
	"schedule": {"cron": "0 2 * * *", "timezone": "UTC"},
	"retry": {"max_attempts": 3, "base_delay": "1m", "multiplier": 2}
}`

func TestCreateJob(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/jobs", validJobBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Name != "orders-nightly" {
		t.Errorf("Name = %q, want orders-nightly", resp.Name)
	}
	if resp.ID == "" {
		t.Error("ID should not be empty")
	}
	if resp.Enabled == nil || !*resp.Enabled {
		t.Error("job should default to enabled")
	}
	if resp.NextFireAt == nil {
		t.Fatal("NextFireAt should be set for an enabled schedule")
	}
	// Next 02:00 UTC after 2025-06-01 12:00.
	if *resp.NextFireAt != "2025-06-02T02:00:00Z" {
		t.Errorf("NextFireAt = %q, want 2025-06-02T02:00:00Z", *resp.NextFireAt)
	}

	id := testutil.MustParseUUID(resp.ID)
	job, err := a.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Retry.MaxAttempts != 3 || job.Retry.BaseDelay != time.Minute {
		t.Errorf("retry policy = %+v", job.Retry)
	}
}

func TestCreateJob_ValidationErrors(t *testing.T) {
	a := newTestAPI(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"source":{"type":"csv"},"destination":{"type":"csv"}}`},
		{"unknown source", `{"name":"x","source":{"type":"ftp"},"destination":{"type":"csv"}}`},
		{"unknown destination", `{"name":"x","source":{"type":"csv"},"destination":{"type":"kafka"}}`},
		{"bad if_exists", `{"name":"x","source":{"type":"csv"},"destination":{"type":"csv","if_exists":"merge"}}`},
		{"bad cron", `{"name":"x","source":{"type":"csv"},"destination":{"type":"csv"},"schedule":{"cron":"not a cron"}}`},
		{"bad timezone", `{"name":"x","source":{"type":"csv"},"destination":{"type":"csv"},"schedule":{"cron":"* * * * *","timezone":"Mars/Olympus"}}`},
		{"bad rule kind", `{"name":"x","source":{"type":"csv"},"destination":{"type":"csv"},"rules":[{"kind":"explode"}]}`},
		{"bad retry delay", `{"name":"x","source":{"type":"csv"},"destination":{"type":"csv"},"retry":{"max_attempts":2,"base_delay":"soon"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(http.MethodPost, "/jobs", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(http.MethodPost, "/jobs", `{"name":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateJob_BodyTooLarge(t *testing.T) {
	a := newTestAPI(t)
	big := `{"name":"` + strings.Repeat("x", maxRequestBodySize+1) + `"}`
	w := a.do(http.MethodPost, "/jobs", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/jobs", validJobBody)
	var created JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	w = a.do(http.MethodGet, "/jobs/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = a.do(http.MethodGet, "/jobs/"+uuid.New().String(), "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", w.Code)
	}

	w = a.do(http.MethodGet, "/jobs/not-a-uuid", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", w.Code)
	}
}

func TestUpdateJob_FullReplace(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/jobs", validJobBody)
	var created JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	replacement := `{
		"name": "orders-weekly",
		"source": {"type": "jsonl", "options": {"path": "/data/orders.jsonl"}},
		"destination": {"type": "discard"}
	}`
	w = a.do(http.MethodPut, "/jobs/"+created.ID, replacement)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var updated JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.ID != created.ID {
		t.Errorf("ID changed on update: %s -> %s", created.ID, updated.ID)
	}
	if updated.Name != "orders-weekly" {
		t.Errorf("Name = %q, want orders-weekly", updated.Name)
	}
	if updated.Schedule != nil {
		t.Error("schedule should be dropped by full replace")
	}
	if updated.CreatedAt != created.CreatedAt {
		t.Errorf("CreatedAt changed: %s -> %s", created.CreatedAt, updated.CreatedAt)
	}

	w = a.do(http.MethodPut, "/jobs/"+uuid.New().String(), replacement)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", w.Code)
	}
}

func TestDeleteJob(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/jobs", validJobBody)
	var created JobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := testutil.MustParseUUID(created.ID)

	w = a.do(http.MethodDelete, "/jobs/"+created.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	a.engine.mu.Lock()
	cancelled := len(a.engine.cancelled) == 1 && a.engine.cancelled[0] == id
	a.engine.mu.Unlock()
	if !cancelled {
		t.Error("delete should cancel the job's live execution first")
	}

	w = a.do(http.MethodDelete, "/jobs/"+created.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestStartJob(t *testing.T) {
	a := newTestAPI(t)
	jobID := uuid.New()

	w := a.do(http.MethodPost, "/jobs/"+jobID.String()+"/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var resp StartJobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ExecutionID != a.engine.startID.String() {
		t.Errorf("ExecutionID = %q, want %q", resp.ExecutionID, a.engine.startID)
	}

	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.ErrAlreadyRunning, http.StatusConflict},
		{engine.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		a.engine.mu.Lock()
		a.engine.startErr = tc.err
		a.engine.mu.Unlock()
		w := a.do(http.MethodPost, "/jobs/"+jobID.String()+"/start", "")
		if w.Code != tc.code {
			t.Errorf("start with %v: expected %d, got %d", tc.err, tc.code, w.Code)
		}
	}
}

func seedExecution(t *testing.T, store *memory.Store, jobID uuid.UUID, status domain.ExecutionStatus) domain.Execution {
	t.Helper()
	exec := domain.Execution{
		ID:        uuid.New(),
		JobID:     jobID,
		Status:    status,
		Attempt:   1,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	exec.EnqueuedAt = exec.CreatedAt
	if err := store.AppendExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	return exec
}

func TestListExecutions(t *testing.T) {
	a := newTestAPI(t)
	jobA := uuid.New()
	jobB := uuid.New()
	seedExecution(t, a.store, jobA, domain.ExecutionStatusCompleted)
	seedExecution(t, a.store, jobA, domain.ExecutionStatusFailed)
	seedExecution(t, a.store, jobB, domain.ExecutionStatusRunning)

	w := a.do(http.MethodGet, "/executions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ListExecutionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Executions) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(resp.Executions))
	}

	w = a.do(http.MethodGet, "/executions?job_id="+jobA.String(), "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Executions) != 2 {
		t.Errorf("job filter: expected 2, got %d", len(resp.Executions))
	}

	w = a.do(http.MethodGet, "/executions?status=running", "")
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Executions) != 1 {
		t.Errorf("status filter: expected 1, got %d", len(resp.Executions))
	}

	if w := a.do(http.MethodGet, "/executions?status=sleeping", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid status: expected 400, got %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/executions?job_id=nope", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid job_id: expected 400, got %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/executions?limit=5000", ""); w.Code != http.StatusBadRequest {
		t.Errorf("oversized limit: expected 400, got %d", w.Code)
	}
}

func TestGetExecution(t *testing.T) {
	a := newTestAPI(t)
	exec := seedExecution(t, a.store, uuid.New(), domain.ExecutionStatusCompleted)

	w := a.do(http.MethodGet, "/executions/"+exec.ID.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ExecutionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "completed" {
		t.Errorf("Status = %q, want completed", resp.Status)
	}

	if w := a.do(http.MethodGet, "/executions/"+uuid.New().String(), ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestListLogs(t *testing.T) {
	a := newTestAPI(t)
	exec := seedExecution(t, a.store, uuid.New(), domain.ExecutionStatusRunning)

	for i, msg := range []string{"extract started", "extract finished"} {
		entry := domain.LogEntry{
			ExecutionID: exec.ID,
			Seq:         uint64(i + 1),
			Level:       domain.LogLevelInfo,
			Message:     msg,
			Timestamp:   time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		}
		if err := a.store.AppendLog(context.Background(), entry); err != nil {
			t.Fatal(err)
		}
	}

	w := a.do(http.MethodGet, "/executions/"+exec.ID.String()+"/logs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp ListLogsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(resp.Logs))
	}
	if resp.Logs[0].Message != "extract started" {
		t.Errorf("Logs[0].Message = %q", resp.Logs[0].Message)
	}

	if w := a.do(http.MethodGet, "/executions/"+uuid.New().String()+"/logs", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown execution, got %d", w.Code)
	}
}

func TestStopExecution(t *testing.T) {
	a := newTestAPI(t)
	exec := seedExecution(t, a.store, uuid.New(), domain.ExecutionStatusRunning)

	w := a.do(http.MethodPost, "/executions/"+exec.ID.String()+"/stop", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	if w := a.do(http.MethodPost, "/executions/"+uuid.New().String()+"/stop", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	a.engine.mu.Lock()
	a.engine.stopErr = domain.ErrExecutionTerminal
	a.engine.mu.Unlock()
	if w := a.do(http.MethodPost, "/executions/"+exec.ID.String()+"/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for terminal execution, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = a.do(http.MethodGet, "/health?verbose=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Components["store"] != "healthy" {
		t.Errorf("store component = %q, want healthy", resp.Components["store"])
	}
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query   string
		limit   int
		offset  int
		wantErr bool
	}{
		{"", DefaultLimit, 0, false},
		{"?limit=50&offset=100", 50, 100, false},
		{"?limit=0", DefaultLimit, 0, false},
		{"?limit=1000", MaxLimit, 0, false},
		{"?limit=1001", 0, 0, true},
		{"?limit=-1", 0, 0, true},
		{"?offset=-1", 0, 0, true},
		{"?limit=abc", 0, 0, true},
		{"?offset=xyz", 0, 0, true},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/executions"+tc.query, nil)
		limit, offset, err := parsePagination(req)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.query)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.query, err)
			continue
		}
		if limit != tc.limit || offset != tc.offset {
			t.Errorf("%q: got (%d, %d), want (%d, %d)", tc.query, limit, offset, tc.limit, tc.offset)
		}
	}
}

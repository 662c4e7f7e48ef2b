package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jfourny/etlrun/internal/domain"
)

// sseEvent is the data payload of one server-sent event.
type sseEvent struct {
	Kind        string `json:"kind"`
	ExecutionID string `json:"execution_id"`
	Seq         uint64 `json:"seq,omitempty"`

	Status string `json:"status,omitempty"`

	Progress int            `json:"progress,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Rows     *rowCountsBody `json:"rows,omitempty"`

	Log *logBody `json:"log,omitempty"`

	Timestamp string `json:"timestamp"`
}

type rowCountsBody struct {
	Extracted   int64 `json:"extracted"`
	Transformed int64 `json:"transformed"`
	Loaded      int64 `json:"loaded"`
}

type logBody struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// streamEvents serves an SSE stream of status, progress and log events
// for one execution. The stream starts with a snapshot of the current
// state and ends once a terminal status has been delivered.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid execution id")
	if !ok {
		return
	}

	if _, err := h.engine.GetExecution(r.Context(), id); err != nil {
		h.executionError(w, err, "stream events")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the snapshot so a terminal transition
	// between the two cannot be missed.
	sub := h.engine.Subscribe(id)
	defer sub.Close()

	exec, err := h.engine.GetExecution(r.Context(), id)
	if err != nil {
		h.executionError(w, err, "stream events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, snapshotEvent(exec))
	flusher.Flush()

	if exec.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			writeSSE(w, busEvent(ev))
			flusher.Flush()
		}
	}
}

// snapshotEvent renders the stored execution state as a status event so
// subscribers joining mid-run see where things stand.
func snapshotEvent(exec domain.Execution) sseEvent {
	ts := exec.CreatedAt
	if exec.FinishedAt != nil {
		ts = *exec.FinishedAt
	} else if exec.StartedAt != nil {
		ts = *exec.StartedAt
	}
	return sseEvent{
		Kind:        string(domain.EventKindStatus),
		ExecutionID: exec.ID.String(),
		Status:      string(exec.Status),
		Progress:    exec.Progress,
		Phase:       exec.Phase,
		Rows: &rowCountsBody{
			Extracted:   exec.RowsExtracted,
			Transformed: exec.RowsTransformed,
			Loaded:      exec.RowsLoaded,
		},
		Timestamp: formatTime(ts),
	}
}

func busEvent(ev domain.Event) sseEvent {
	out := sseEvent{
		Kind:        string(ev.Kind),
		ExecutionID: ev.ExecutionID.String(),
		Seq:         ev.Seq,
		Timestamp:   formatTime(ev.Timestamp),
	}

	switch ev.Kind {
	case domain.EventKindStatus:
		out.Status = string(ev.Status)
		out.Progress = ev.Progress
		out.Rows = &rowCountsBody{
			Extracted:   ev.Rows.Extracted,
			Transformed: ev.Rows.Transformed,
			Loaded:      ev.Rows.Loaded,
		}
	case domain.EventKindProgress:
		out.Progress = ev.Progress
		out.Phase = ev.Phase
		out.Rows = &rowCountsBody{
			Extracted:   ev.Rows.Extracted,
			Transformed: ev.Rows.Transformed,
			Loaded:      ev.Rows.Loaded,
		}
	case domain.EventKindLog:
		if ev.Log != nil {
			out.Log = &logBody{
				Level:   string(ev.Log.Level),
				Message: ev.Log.Message,
			}
		}
	}

	return out
}

func writeSSE(w http.ResponseWriter, ev sseEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

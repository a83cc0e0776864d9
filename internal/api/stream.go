package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// handleStream serves the task's status over SSE: one snapshot per tick,
// closing after the task goes terminal or the stream timeout elapses.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "task not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "task store unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	deadline := time.NewTimer(s.streamTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.streamTick)
	defer ticker.Stop()

	emit := func() (terminal bool) {
		snapshot := s.statusSnapshot(r, id)
		writeEvent(w, "status", snapshot)
		flusher.Flush()
		status, _ := snapshot["status"].(string)
		return schema.TaskStatus(status).Terminal()
	}

	if emit() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeEvent(w, "timeout", map[string]any{"task_id": id.String()})
			flusher.Flush()
			return
		case <-ticker.C:
			if emit() {
				return
			}
		}
	}
}

// statusSnapshot prefers the fast index, falling back to the ledger row.
func (s *Server) statusSnapshot(r *http.Request, id uuid.UUID) map[string]any {
	if live, err := s.queue.GetStatus(r.Context(), id.String()); err == nil && len(live) > 0 {
		out := make(map[string]any, len(live)+1)
		for k, v := range live {
			out[k] = v
		}
		out["task_id"] = id.String()
		return out
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		return map[string]any{"task_id": id.String(), "status": "unknown"}
	}
	return map[string]any{
		"task_id":     id.String(),
		"status":      string(task.Status),
		"retry_count": task.RetryCount,
		"last_error":  task.LastError,
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}

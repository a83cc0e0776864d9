package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

const maxBodyBytes = 1 << 20

// handleSubmit accepts a task: validate, record in the ledger, enqueue.
// Resubmitting an idempotency key returns the stored task without a second
// enqueue.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req schema.TaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if err := schema.ValidateRequest(&req); err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	task := schema.NewTask(req.Type, req.Payload)
	if req.Priority != 0 {
		task.Priority = req.Priority
	}
	task.TraceID = req.TraceID
	if task.TraceID == "" {
		task.TraceID = RequestID(r)
	}
	task.IdempotencyKey = req.IdempotencyKey
	if req.Metadata != nil {
		task.Metadata = req.Metadata
	}
	if key := keyFromContext(r); key != nil {
		task.Metadata["submitted_by"] = key.Name
	}

	stored, created, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		s.log.Error("task insert failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "task store unavailable")
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, schema.TaskResult{TaskID: stored.ID, Status: stored.Status})
		return
	}

	if _, _, err := s.queue.Enqueue(r.Context(), stored); err != nil {
		s.log.Error("enqueue failed", zap.String("task_id", stored.ID.String()), zap.Error(err))
		writeErr(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, schema.TaskResult{TaskID: stored.ID, Status: stored.Status})
}

// handleStatus returns the task row, its latest run, and the live status
// index entry when present.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "task store unavailable")
		return
	}

	body := map[string]any{"task": task}
	if run, err := s.store.LatestRun(r.Context(), id); err == nil {
		body["latest_run"] = run
	}
	if live, err := s.queue.GetStatus(r.Context(), id.String()); err == nil && len(live) > 0 {
		body["live"] = live
	}
	writeJSON(w, http.StatusOK, body)
}

// handleAdminRuns lists recent run records.
func (s *Server) handleAdminRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "run store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleMaintenance enqueues a maintenance task. Guarded by the internal
// key header rather than the public key table.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InternalKey == "" || r.Header.Get("X-Internal-Key") != s.cfg.InternalKey {
		writeErr(w, http.StatusUnauthorized, "invalid internal key")
		return
	}
	var body schema.MaintenancePayload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Action == "" {
		body.Action = "daily_cleanup"
	}

	payload := map[string]any{"action": body.Action}
	if body.RetentionDays > 0 {
		payload["retention_days"] = body.RetentionDays
	}
	if err := schema.ValidatePayload(schema.TypeMaintenance, payload); err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	task := schema.NewTask(schema.TypeMaintenance, payload)
	task.Priority = schema.PriorityLow
	stored, _, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "task store unavailable")
		return
	}
	if _, _, err := s.queue.Enqueue(r.Context(), stored); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, schema.TaskResult{TaskID: stored.ID, Status: stored.Status})
}

// handleHealth pings dependencies; any failure degrades to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"postgres": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		checks["postgres"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if _, err := s.queue.Metrics(r.Context()); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

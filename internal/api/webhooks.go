package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// Per-source header conventions.
var webhookHeaders = map[string]struct{ signature, event, delivery string }{
	"github":  {"X-Hub-Signature-256", "X-GitHub-Event", "X-GitHub-Delivery"},
	"clickup": {"X-Signature", "X-ClickUp-Event", "X-Delivery-Id"},
	"make":    {"X-Signature", "X-Make-Event", "X-Delivery-Id"},
}

// handleWebhook verifies the source signature, records the event in the
// inbox (replays are rejected), and enqueues a webhook_process task.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	verifier, ok := s.verifiers[source]
	if !ok {
		writeErr(w, http.StatusNotFound, "webhook source not configured")
		return
	}
	headers := webhookHeaders[source]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" && s.cfg.RequireTimestamp {
		writeErr(w, http.StatusUnauthorized, "missing timestamp")
		return
	}
	if err := verifier.Verify(body, r.Header.Get(headers.signature), timestamp); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("source", source), zap.Error(err))
		writeErr(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	externalID := r.Header.Get(headers.delivery)
	if externalID == "" {
		// No delivery id supplied: the body hash stands in, so identical
		// retries still dedupe.
		sum := sha256.Sum256(body)
		externalID = hex.EncodeToString(sum[:16])
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		writeErr(w, http.StatusBadRequest, "body is not json")
		return
	}

	event := &schema.WebhookEvent{
		Source:     source,
		EventType:  r.Header.Get(headers.event),
		ExternalID: externalID,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.RecordInboxEvent(r.Context(), event); err != nil {
		if errors.Is(err, ledger.ErrReplay) {
			writeErr(w, http.StatusUnauthorized, "duplicate delivery")
			return
		}
		s.log.Error("inbox write failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "inbox unavailable")
		return
	}

	task := schema.NewTask(schema.TypeWebhookProcess, event.AsPayload())
	task.TraceID = RequestID(r)
	task.IdempotencyKey = "webhook:" + source + ":" + externalID
	stored, _, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "task store unavailable")
		return
	}
	if _, _, err := s.queue.Enqueue(r.Context(), stored); err != nil {
		writeErr(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	s.log.Info("webhook accepted",
		zap.String("source", source),
		zap.String("external_id", externalID),
		zap.String("task_id", stored.ID.String()))
	writeJSON(w, http.StatusAccepted, schema.TaskResult{TaskID: stored.ID, Status: stored.Status})
}

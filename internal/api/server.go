// Package api is the HTTP ingress: task submission, status and streaming,
// signed webhooks, health, metrics and the admin surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/queue"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
	"github.com/mwwoodworth/aurea-orchestrator/internal/security"
)

// TaskStore is the ledger surface the API reads and writes.
type TaskStore interface {
	CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, bool, error)
	GetTask(ctx context.Context, id uuid.UUID) (*schema.Task, error)
	LatestRun(ctx context.Context, taskID uuid.UUID) (*schema.RunRecord, error)
	RecentRuns(ctx context.Context, limit int) ([]*schema.RunRecord, error)
	RecordInboxEvent(ctx context.Context, event *schema.WebhookEvent) error
	Ping(ctx context.Context) error
}

// TaskQueue is the queue surface the API enqueues into.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *schema.Task) (msgID string, duplicate bool, err error)
	GetStatus(ctx context.Context, taskID string) (map[string]string, error)
	Metrics(ctx context.Context) (*queue.QueueMetrics, error)
}

// KeyResolver maps bearer tokens to key rows.
type KeyResolver interface {
	Resolve(ctx context.Context, raw string) (*schema.APIKey, error)
}

// Server wires the ingress handlers.
type Server struct {
	store     TaskStore
	queue     TaskQueue
	keys      KeyResolver
	verifiers map[string]*security.Verifier
	cfg       config.SecurityConfig
	log       *zap.Logger
	registry  *prometheus.Registry

	streamTimeout time.Duration
	streamTick    time.Duration
}

// New builds a Server. registry may be nil to skip the metrics endpoint.
func New(store TaskStore, q TaskQueue, keys KeyResolver, cfg config.SecurityConfig, log *zap.Logger, registry *prometheus.Registry) *Server {
	verifiers := make(map[string]*security.Verifier, len(cfg.WebhookSecrets))
	for source, secret := range cfg.WebhookSecrets {
		verifiers[source] = security.NewVerifier(secret, cfg.TimestampSkew)
	}
	return &Server{
		store:         store,
		queue:         q,
		keys:          keys,
		verifiers:     verifiers,
		cfg:           cfg,
		log:           log,
		registry:      registry,
		streamTimeout: 600 * time.Second,
		streamTick:    time.Second,
	}
}

// Router assembles the route table with the middleware chain.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.recoverPanics, s.accessLog)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/webhooks/{source:github|clickup|make}", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/internal/maintenance", s.handleMaintenance).Methods(http.MethodPost)

	r.Handle("/tasks", s.requireRole(schema.RoleService, s.handleSubmit)).Methods(http.MethodPost)
	r.Handle("/tasks/{id}", s.requireRole(schema.RoleReadonly, s.handleStatus)).Methods(http.MethodGet)
	r.Handle("/stream/{id}", s.requireRole(schema.RoleReadonly, s.handleStream)).Methods(http.MethodGet)
	r.Handle("/admin/runs", s.requireRole(schema.RoleAdmin, s.handleAdminRuns)).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

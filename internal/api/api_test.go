package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
	"github.com/mwwoodworth/aurea-orchestrator/internal/queue"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
	"github.com/mwwoodworth/aurea-orchestrator/internal/security"
)

type fakeStore struct {
	tasks   map[uuid.UUID]*schema.Task
	byKey   map[string]*schema.Task
	inbox   map[string]bool
	runs    []*schema.RunRecord
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: map[uuid.UUID]*schema.Task{},
		byKey: map[string]*schema.Task{},
		inbox: map[string]bool{},
	}
}

func (f *fakeStore) CreateTask(_ context.Context, task *schema.Task) (*schema.Task, bool, error) {
	if task.IdempotencyKey != "" {
		if existing, ok := f.byKey[task.IdempotencyKey]; ok {
			return existing, false, nil
		}
		f.byKey[task.IdempotencyKey] = task
	}
	f.tasks[task.ID] = task
	return task, true, nil
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (*schema.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return task, nil
}

func (f *fakeStore) LatestRun(_ context.Context, taskID uuid.UUID) (*schema.RunRecord, error) {
	for i := len(f.runs) - 1; i >= 0; i-- {
		if f.runs[i].TaskID == taskID {
			return f.runs[i], nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeStore) RecentRuns(_ context.Context, limit int) ([]*schema.RunRecord, error) {
	return f.runs, nil
}

func (f *fakeStore) RecordInboxEvent(_ context.Context, event *schema.WebhookEvent) error {
	key := event.Source + ":" + event.ExternalID
	if f.inbox[key] {
		return ledger.ErrReplay
	}
	f.inbox[key] = true
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeTaskQueue struct {
	enqueued []*schema.Task
	statuses map[string]map[string]string
}

func newFakeTaskQueue() *fakeTaskQueue {
	return &fakeTaskQueue{statuses: map[string]map[string]string{}}
}

func (f *fakeTaskQueue) Enqueue(_ context.Context, task *schema.Task) (string, bool, error) {
	f.enqueued = append(f.enqueued, task)
	return "1-0", false, nil
}

func (f *fakeTaskQueue) GetStatus(_ context.Context, taskID string) (map[string]string, error) {
	return f.statuses[taskID], nil
}

func (f *fakeTaskQueue) Metrics(context.Context) (*queue.QueueMetrics, error) {
	return &queue.QueueMetrics{}, nil
}

type fakeKeys struct {
	byRaw map[string]*schema.APIKey
}

func (f *fakeKeys) Resolve(_ context.Context, raw string) (*schema.APIKey, error) {
	key, ok := f.byRaw[raw]
	if !ok {
		return nil, security.ErrUnknownKey
	}
	return key, nil
}

func testServer(t *testing.T) (*Server, *fakeStore, *fakeTaskQueue) {
	t.Helper()
	store := newFakeStore()
	q := newFakeTaskQueue()
	keys := &fakeKeys{byRaw: map[string]*schema.APIKey{
		"svc-key":  {ID: uuid.New(), Name: "svc", Role: schema.RoleService, Active: true},
		"ro-key":   {ID: uuid.New(), Name: "ro", Role: schema.RoleReadonly, Active: true},
		"admin-key": {ID: uuid.New(), Name: "root", Role: schema.RoleAdmin, Active: true},
	}}
	cfg := config.SecurityConfig{
		InternalKey:    "hunter2",
		TimestampSkew:  5 * time.Minute,
		WebhookSecrets: map[string]string{"github": "gh-secret"},
	}
	return New(store, q, keys, cfg, zap.NewNop(), nil), store, q
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func submitBody() map[string]any {
	return map[string]any{
		"type":    "gen_content",
		"payload": map[string]any{"prompt": "hello", "content_type": "summary"},
	}
}

func TestSubmitRequiresAuth(t *testing.T) {
	s, _, _ := testServer(t)
	if rec := doJSON(t, s, http.MethodPost, "/tasks", "", submitBody()); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, "/tasks", "bogus", submitBody()); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodPost, "/tasks", "ro-key", submitBody()); rec.Code != http.StatusForbidden {
		t.Fatalf("readonly role: %d", rec.Code)
	}
}

func TestSubmitAccepted(t *testing.T) {
	s, store, q := testServer(t)
	rec := doJSON(t, s, http.MethodPost, "/tasks", "svc-key", submitBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body)
	}
	var res schema.TaskResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != schema.StatusQueued {
		t.Fatalf("status = %s", res.Status)
	}
	if _, ok := store.tasks[res.TaskID]; !ok {
		t.Fatal("task not in store")
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(q.enqueued))
	}
	if q.enqueued[0].Metadata["submitted_by"] != "svc" {
		t.Fatal("submitter not stamped")
	}
}

func TestSubmitInvalidPayload(t *testing.T) {
	s, _, q := testServer(t)
	body := map[string]any{
		"type":    "gen_content",
		"payload": map[string]any{"prompt": "x", "content_type": "haiku"},
	}
	rec := doJSON(t, s, http.MethodPost, "/tasks", "svc-key", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("invalid payload reached the queue")
	}
}

func TestSubmitIdempotentResubmit(t *testing.T) {
	s, _, q := testServer(t)
	body := submitBody()
	body["idempotency_key"] = "once"

	first := doJSON(t, s, http.MethodPost, "/tasks", "svc-key", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first = %d", first.Code)
	}
	second := doJSON(t, s, http.MethodPost, "/tasks", "svc-key", body)
	if second.Code != http.StatusOK {
		t.Fatalf("second = %d", second.Code)
	}

	var r1, r2 schema.TaskResult
	_ = json.Unmarshal(first.Body.Bytes(), &r1)
	_ = json.Unmarshal(second.Body.Bytes(), &r2)
	if r1.TaskID != r2.TaskID {
		t.Fatal("resubmit returned a different task")
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want single enqueue", len(q.enqueued))
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, store, _ := testServer(t)
	task := schema.NewTask(schema.TypeAureaAction, map[string]any{"action": "x"})
	store.tasks[task.ID] = task

	rec := doJSON(t, s, http.MethodGet, "/tasks/"+task.ID.String(), "ro-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodGet, "/tasks/"+uuid.NewString(), "ro-key", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodGet, "/tasks/not-a-uuid", "ro-key", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
}

func TestAdminRunsRoleGate(t *testing.T) {
	s, _, _ := testServer(t)
	if rec := doJSON(t, s, http.MethodGet, "/admin/runs", "svc-key", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("service role: %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodGet, "/admin/runs", "admin-key", nil); rec.Code != http.StatusOK {
		t.Fatalf("admin role: %d", rec.Code)
	}
}

func webhookRequest(t *testing.T, body []byte, sig, delivery string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sig)
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", delivery)
	return req
}

func TestWebhookAcceptAndReplay(t *testing.T) {
	s, store, q := testServer(t)
	v := security.NewVerifier("gh-secret", 5*time.Minute)
	body := []byte(`{"ref":"refs/heads/main","repository":"acme/site"}`)
	sig := v.Sign(body, "")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, webhookRequest(t, body, sig, "delivery-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].Type != schema.TypeWebhookProcess {
		t.Fatalf("enqueued = %+v", q.enqueued)
	}
	if !store.inbox["github:delivery-1"] {
		t.Fatal("inbox not recorded")
	}

	// Same delivery id again: replay, rejected.
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, webhookRequest(t, body, sig, "delivery-1"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay code = %d", rec.Code)
	}
	if len(q.enqueued) != 1 {
		t.Fatal("replay reached the queue")
	}
}

func TestWebhookBadSignature(t *testing.T) {
	s, _, q := testServer(t)
	body := []byte(`{"x":1}`)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, webhookRequest(t, body, "sha256=deadbeef", "d2"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("unsigned webhook reached the queue")
	}
}

func TestWebhookTimestampSalting(t *testing.T) {
	s, _, _ := testServer(t)
	v := security.NewVerifier("gh-secret", 5*time.Minute)
	body := []byte(`{"x":1}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := webhookRequest(t, body, v.Sign(body, ts), "d3")
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("salted signature rejected: %d %s", rec.Code, rec.Body)
	}

	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req = webhookRequest(t, body, v.Sign(body, stale), "d4")
	req.Header.Set("X-Timestamp", stale)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp accepted: %d", rec.Code)
	}
}

func TestWebhookUnknownSource(t *testing.T) {
	s, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/clickup", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	// clickup matches the route but has no configured secret.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestMaintenanceEndpoint(t *testing.T) {
	s, _, q := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance", strings.NewReader(`{"action":"purge_old_runs"}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no internal key: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/maintenance", strings.NewReader(`{"action":"purge_old_runs"}`))
	req.Header.Set("X-Internal-Key", "hunter2")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].Type != schema.TypeMaintenance {
		t.Fatalf("enqueued = %+v", q.enqueued)
	}
}

func TestHealthDegraded(t *testing.T) {
	s, store, _ := testServer(t)
	if rec := doJSON(t, s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy: %d", rec.Code)
	}
	store.pingErr = fmt.Errorf("connection refused")
	if rec := doJSON(t, s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded: %d", rec.Code)
	}
}

func TestStreamTerminalStopsImmediately(t *testing.T) {
	s, store, q := testServer(t)
	s.streamTick = 5 * time.Millisecond
	s.streamTimeout = time.Second

	task := schema.NewTask(schema.TypeAureaAction, map[string]any{"action": "x"})
	task.Status = schema.StatusDone
	store.tasks[task.ID] = task
	q.statuses[task.ID.String()] = map[string]string{"status": "done"}

	rec := doJSON(t, s, http.MethodGet, "/stream/"+task.ID.String(), "ro-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: status") || !strings.Contains(body, `"done"`) {
		t.Fatalf("body = %q", body)
	}
	if strings.Count(body, "event: status") != 1 {
		t.Fatalf("terminal task should emit once: %q", body)
	}
}

func TestStreamTimeoutEvent(t *testing.T) {
	s, store, q := testServer(t)
	s.streamTick = 5 * time.Millisecond
	s.streamTimeout = 30 * time.Millisecond

	task := schema.NewTask(schema.TypeAureaAction, map[string]any{"action": "x"})
	task.Status = schema.StatusRunning
	store.tasks[task.ID] = task
	q.statuses[task.ID.String()] = map[string]string{"status": "running"}

	rec := doJSON(t, s, http.MethodGet, "/stream/"+task.ID.String(), "ro-key", nil)
	body := rec.Body.String()
	if !strings.Contains(body, "event: timeout") {
		t.Fatalf("no timeout event: %q", body)
	}
}

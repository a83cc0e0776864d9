// Package schema defines the shared data model of the orchestrator: tasks,
// run records, priorities, statuses, and the typed payload contracts that
// ingress validates before a task is ever enqueued.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TaskType tags a task with the handler responsible for it. The set is
// closed; dynamic registration is not supported.
type TaskType string

const (
	TypeCodePR          TaskType = "code_pr"
	TypeCenterPointSync TaskType = "centerpoint_sync"
	TypeMRGDeploy       TaskType = "mrg_deploy"
	TypeGenContent      TaskType = "gen_content"
	TypeAureaAction     TaskType = "aurea_action"
	TypeWebhookProcess  TaskType = "webhook_process"
	TypeMaintenance     TaskType = "maintenance"
)

// TaskPriority orders tasks in the advisory priority index. Lower value
// means higher priority; the values double as sorted-set score biases.
type TaskPriority int

const (
	PriorityCritical TaskPriority = 1
	PriorityHigh     TaskPriority = 10
	PriorityNormal   TaskPriority = 100
	PriorityLow      TaskPriority = 1000
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Valid reports whether p is one of the four defined levels.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Demote lowers the priority by one level. LOW stays LOW.
func (p TaskPriority) Demote() TaskPriority {
	switch p {
	case PriorityCritical:
		return PriorityHigh
	case PriorityHigh:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ParsePriority parses the wire representation (integer string).
func ParsePriority(s string) (TaskPriority, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return PriorityNormal, fmt.Errorf("invalid priority %q: %w", s, err)
	}
	p := TaskPriority(n)
	if !p.Valid() {
		return PriorityNormal, fmt.Errorf("invalid priority %d", n)
	}
	return p, nil
}

// TaskStatus is the lifecycle state of a task. Transitions only move
// forward; DONE, FAILED and CANCELED are sticky.
type TaskStatus string

const (
	StatusQueued   TaskStatus = "queued"
	StatusRunning  TaskStatus = "running"
	StatusDone     TaskStatus = "done"
	StatusFailed   TaskStatus = "failed"
	StatusCanceled TaskStatus = "canceled"
)

// Terminal reports whether s is a sticky end state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// RunStatus is the state of a single execution attempt.
type RunStatus string

const (
	RunStarted  RunStatus = "started"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunTimeout  RunStatus = "timeout"
	RunCanceled RunStatus = "canceled"
)

// Terminal reports whether s ends the run. ended_at is set iff terminal.
func (s RunStatus) Terminal() bool {
	return s != RunStarted
}

// Task is the unit of orchestration. Immutable after submission except for
// status, retry and error tracking.
type Task struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	Type           TaskType       `json:"type" db:"type"`
	Payload        map[string]any `json:"payload" db:"-"`
	Priority       TaskPriority   `json:"priority" db:"priority"`
	Status         TaskStatus     `json:"status" db:"status"`
	TraceID        string         `json:"trace_id,omitempty" db:"trace_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	EnqueuedAt     time.Time      `json:"enqueued_at" db:"enqueued_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	LastError      string         `json:"last_error,omitempty" db:"last_error"`
	RetryCount     int            `json:"retry_count" db:"retry_count"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"-"`
}

// NewTask builds a QUEUED task with a fresh identifier.
func NewTask(t TaskType, payload map[string]any) *Task {
	return &Task{
		ID:         uuid.New(),
		Type:       t,
		Payload:    payload,
		Priority:   PriorityNormal,
		Status:     StatusQueued,
		EnqueuedAt: time.Now().UTC(),
		Metadata:   map[string]any{},
	}
}

// TaskRequest is the submit-endpoint body.
type TaskRequest struct {
	Type           TaskType       `json:"type" validate:"required"`
	Payload        map[string]any `json:"payload" validate:"required"`
	Priority       TaskPriority   `json:"priority,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=256"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the submit/status response shape.
type TaskResult struct {
	TaskID uuid.UUID      `json:"task_id"`
	Status TaskStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RunRecord is the durable observation of one execution attempt.
type RunRecord struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	TaskID       uuid.UUID      `json:"task_id" db:"task_id"`
	StartedAt    time.Time      `json:"started_at" db:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
	Status       RunStatus      `json:"status" db:"status"`
	Attempt      int            `json:"attempt" db:"attempt"`
	Metrics      map[string]any `json:"metrics,omitempty" db:"-"`
	ErrorDetails map[string]any `json:"error_details,omitempty" db:"-"`
}

// NewRunRecord opens a STARTED run for the given attempt ordinal.
func NewRunRecord(taskID uuid.UUID, attempt int) *RunRecord {
	if attempt < 1 {
		attempt = 1
	}
	return &RunRecord{
		ID:        uuid.New(),
		TaskID:    taskID,
		StartedAt: time.Now().UTC(),
		Status:    RunStarted,
		Attempt:   attempt,
		Metrics:   map[string]any{},
	}
}

// Role gates API access. The hierarchy is READONLY < SERVICE < ADMIN.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleService  Role = "service"
	RoleReadonly Role = "readonly"
)

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleService:
		return 1
	default:
		return 0
	}
}

// Allows reports whether r satisfies the required role.
func (r Role) Allows(required Role) bool {
	return r.rank() >= required.rank()
}

// APIKey is the stored form of a bearer credential. The raw key is never
// persisted; only the salted hash.
type APIKey struct {
	ID         uuid.UUID  `db:"id"`
	KeyHash    string     `db:"key_hash"`
	Name       string     `db:"name"`
	Role       Role       `db:"role"`
	Descr      string     `db:"description"`
	Active     bool       `db:"is_active"`
	ExpiresAt  *time.Time `db:"expires_at"`
	CreatedAt  time.Time  `db:"created_at"`
	CreatedBy  string     `db:"created_by"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

// WebhookEvent is the payload captured for webhook_process tasks.
type WebhookEvent struct {
	Source     string         `json:"source"`
	EventType  string         `json:"event_type"`
	ExternalID string         `json:"external_id"`
	Data       map[string]any `json:"data"`
	ReceivedAt time.Time      `json:"received_at"`
}

// AsPayload converts the event into the opaque payload map form.
func (e WebhookEvent) AsPayload() map[string]any {
	b, _ := json.Marshal(e)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

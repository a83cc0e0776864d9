package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

type taskRow struct {
	ID             uuid.UUID       `db:"id"`
	Type           string          `db:"type"`
	Payload        json.RawMessage `db:"payload"`
	Priority       int             `db:"priority"`
	Status         string          `db:"status"`
	TraceID        string          `db:"trace_id"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	EnqueuedAt     time.Time       `db:"enqueued_at"`
	StartedAt      sql.NullTime    `db:"started_at"`
	CompletedAt    sql.NullTime    `db:"completed_at"`
	LastError      string          `db:"last_error"`
	RetryCount     int             `db:"retry_count"`
	Metadata       json.RawMessage `db:"metadata"`
}

func (r taskRow) toTask() *schema.Task {
	t := &schema.Task{
		ID:         r.ID,
		Type:       schema.TaskType(r.Type),
		Priority:   schema.TaskPriority(r.Priority),
		Status:     schema.TaskStatus(r.Status),
		TraceID:    r.TraceID,
		EnqueuedAt: r.EnqueuedAt,
		LastError:  r.LastError,
		RetryCount: r.RetryCount,
	}
	if r.IdempotencyKey.Valid {
		t.IdempotencyKey = r.IdempotencyKey.String
	}
	if r.StartedAt.Valid {
		at := r.StartedAt.Time
		t.StartedAt = &at
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time
		t.CompletedAt = &at
	}
	_ = json.Unmarshal(r.Payload, &t.Payload)
	_ = json.Unmarshal(r.Metadata, &t.Metadata)
	return t
}

// CreateTask inserts the task row. When the task's idempotency key already
// exists, the stored task is returned with created=false and nothing is
// written.
func (s *Store) CreateTask(ctx context.Context, task *schema.Task) (stored *schema.Task, created bool, err error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := json.Marshal(task.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("encode metadata: %w", err)
	}
	var idem any
	if task.IdempotencyKey != "" {
		idem = task.IdempotencyKey
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_tasks
			(id, type, payload, priority, status, trace_id, idempotency_key, enqueued_at, retry_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, string(task.Type), payload, int(task.Priority), string(task.Status),
		task.TraceID, idem, task.EnqueuedAt, task.RetryCount, metadata)
	if err != nil {
		if isUniqueViolation(err) && task.IdempotencyKey != "" {
			existing, gerr := s.GetTaskByIdempotencyKey(ctx, task.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	return task, true, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*schema.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM orchestrator_tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toTask(), nil
}

// GetTaskByIdempotencyKey fetches the task holding the given key.
func (s *Store) GetTaskByIdempotencyKey(ctx context.Context, key string) (*schema.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM orchestrator_tasks WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by key: %w", err)
	}
	return row.toTask(), nil
}

// MarkTaskRunning moves a task to RUNNING. started_at is set on the first
// attempt only. Terminal tasks are left untouched and report
// ErrStaleTransition.
func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID, retryCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_tasks
		SET status = 'running',
			started_at = COALESCE(started_at, $2),
			retry_count = $3
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, s.now().UTC(), retryCount)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.oneRow(res)
}

// CompleteTask finalizes a task. Status must be terminal; already-terminal
// rows are not overwritten. The matching outbox event is written in the
// same transaction.
func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID, status schema.TaskStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete task: %q is not terminal", status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orchestrator_tasks
			SET status = $2, completed_at = $3, last_error = $4
			WHERE id = $1 AND status NOT IN ('done', 'failed', 'canceled')`,
			id, string(status), s.now().UTC(), lastError)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := s.oneRow(res); err != nil {
			return err
		}
		event, _ := json.Marshal(map[string]any{
			"task_id": id.String(),
			"status":  string(status),
			"error":   lastError,
		})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orchestrator_outbox (topic, payload) VALUES ($1, $2)`,
			"task."+string(status), event); err != nil {
			return fmt.Errorf("outbox write: %w", err)
		}
		return nil
	})
}

// RequeueTask records a retry: back to QUEUED with the error and counter.
func (s *Store) RequeueTask(ctx context.Context, id uuid.UUID, retryCount int, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_tasks
		SET status = 'queued', retry_count = $2, last_error = $3
		WHERE id = $1 AND status NOT IN ('done', 'failed', 'canceled')`,
		id, retryCount, lastError)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return s.oneRow(res)
}

type runRow struct {
	ID           uuid.UUID       `db:"id"`
	TaskID       uuid.UUID       `db:"task_id"`
	StartedAt    time.Time       `db:"started_at"`
	EndedAt      sql.NullTime    `db:"ended_at"`
	Status       string          `db:"status"`
	Attempt      int             `db:"attempt"`
	Metrics      json.RawMessage `db:"metrics"`
	ErrorDetails json.RawMessage `db:"error_details"`
}

func (r runRow) toRun() *schema.RunRecord {
	run := &schema.RunRecord{
		ID:        r.ID,
		TaskID:    r.TaskID,
		StartedAt: r.StartedAt,
		Status:    schema.RunStatus(r.Status),
		Attempt:   r.Attempt,
	}
	if r.EndedAt.Valid {
		at := r.EndedAt.Time
		run.EndedAt = &at
	}
	_ = json.Unmarshal(r.Metrics, &run.Metrics)
	_ = json.Unmarshal(r.ErrorDetails, &run.ErrorDetails)
	return run
}

// StartRun opens a run record and writes the run.started outbox event in
// the same transaction.
func (s *Store) StartRun(ctx context.Context, run *schema.RunRecord) error {
	metrics, _ := json.Marshal(run.Metrics)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orchestrator_runs (id, task_id, started_at, status, attempt, metrics)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, run.TaskID, run.StartedAt, string(run.Status), run.Attempt, metrics); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		event, _ := json.Marshal(map[string]any{
			"run_id":  run.ID.String(),
			"task_id": run.TaskID.String(),
			"attempt": run.Attempt,
		})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orchestrator_outbox (topic, payload) VALUES ('run.started', $1)`,
			event); err != nil {
			return fmt.Errorf("outbox write: %w", err)
		}
		return nil
	})
}

// FinishRun closes a run. Only STARTED runs accept a terminal status;
// ended_at is set exactly once.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status schema.RunStatus, metrics, errorDetails map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run: %q is not terminal", status)
	}
	mb, _ := json.Marshal(metrics)
	eb, _ := json.Marshal(errorDetails)
	if metrics == nil {
		mb = []byte("{}")
	}
	if errorDetails == nil {
		eb = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_runs
		SET status = $2, ended_at = $3, metrics = $4, error_details = $5
		WHERE id = $1 AND status = 'started'`,
		runID, string(status), s.now().UTC(), mb, eb)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return s.oneRow(res)
}

// LatestRun returns the most recent run for a task, or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context, taskID uuid.UUID) (*schema.RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM orchestrator_runs
		WHERE task_id = $1 ORDER BY started_at DESC LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return row.toRun(), nil
}

// RecentRuns lists run records newest-first for the admin surface.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*schema.RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM orchestrator_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	out := make([]*schema.RunRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRun()
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

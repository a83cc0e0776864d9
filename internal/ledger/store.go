// Package ledger is the durable Postgres record of orchestration: tasks,
// run attempts, the webhook inbox, the event outbox, API keys, provider
// budgets and circuit breaker state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports a lookup miss.
	ErrNotFound = errors.New("ledger: not found")
	// ErrReplay reports an inbox event already recorded for (source, external_id).
	ErrReplay = errors.New("ledger: duplicate event")
	// ErrStaleTransition reports a status update refused by a monotonic guard.
	ErrStaleTransition = errors.New("ledger: stale status transition")
)

const uniqueViolation = "23505"

// Store wraps the database handle. All methods take a context and are safe
// for concurrent use.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
	now func() time.Time
}

// Open connects to Postgres and pings it.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(db, log), nil
}

// NewStore wraps an existing handle. Tests use this with a mock driver.
func NewStore(db *sqlx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS orchestrator_tasks (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 100,
		status TEXT NOT NULL DEFAULT 'queued',
		trace_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orchestrator_tasks_idem_key
		ON orchestrator_tasks (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS orchestrator_tasks_status
		ON orchestrator_tasks (status, enqueued_at)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_runs (
		id UUID PRIMARY KEY,
		task_id UUID NOT NULL REFERENCES orchestrator_tasks(id) ON DELETE CASCADE,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'started',
		attempt INTEGER NOT NULL DEFAULT 1,
		metrics JSONB NOT NULL DEFAULT '{}',
		error_details JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS orchestrator_runs_task
		ON orchestrator_runs (task_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_inbox (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL DEFAULT '{}',
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_outbox (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS orchestrator_outbox_unpublished
		ON orchestrator_outbox (created_at) WHERE published_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS orchestrator_api_keys (
		id UUID PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'readonly',
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT true,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_by TEXT NOT NULL DEFAULT '',
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_budgets (
		provider TEXT NOT NULL,
		day DATE NOT NULL,
		budget_usd NUMERIC(12,4) NOT NULL DEFAULT 0,
		spent_usd NUMERIC(12,4) NOT NULL DEFAULT 0,
		token_count BIGINT NOT NULL DEFAULT 0,
		request_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (provider, day)
	)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_circuit_breakers (
		provider TEXT PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'closed',
		failure_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		opened_at TIMESTAMPTZ,
		last_failure_at TIMESTAMPTZ,
		last_success_at TIMESTAMPTZ,
		next_retry_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates all tables and indexes. Idempotent; run at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// RecordInboxEvent inserts the webhook event. A second event with the same
// (source, external_id) returns ErrReplay.
func (s *Store) RecordInboxEvent(ctx context.Context, event *schema.WebhookEvent) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("encode inbox payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_inbox (source, external_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.Source, event.ExternalID, event.EventType, payload, event.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReplay
		}
		return fmt.Errorf("insert inbox: %w", err)
	}
	return nil
}

// OutboxEvent is a pending downstream notification.
type OutboxEvent struct {
	ID        int64           `db:"id"`
	Topic     string          `db:"topic"`
	Payload   json.RawMessage `db:"payload"`
	CreatedAt time.Time       `db:"created_at"`
}

// UnpublishedOutbox returns the oldest unpublished events.
func (s *Store) UnpublishedOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []OutboxEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, topic, payload, created_at FROM orchestrator_outbox
		WHERE published_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox scan: %w", err)
	}
	return rows, nil
}

// MarkOutboxPublished stamps events as delivered.
func (s *Store) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := inInt64(`
		UPDATE orchestrator_outbox SET published_at = $1 WHERE id IN (%s)`, s.now().UTC(), ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox publish: %w", err)
	}
	return nil
}

// inInt64 expands an IN clause with positional placeholders starting at $2.
func inInt64(format string, first any, ids []int64) (string, []any, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, first)
	placeholders := ""
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	return fmt.Sprintf(format, placeholders), args, nil
}

// InsertAPIKey stores a new key row.
func (s *Store) InsertAPIKey(ctx context.Context, key *schema.APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_api_keys
			(id, key_hash, name, role, description, is_active, expires_at, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.KeyHash, key.Name, string(key.Role), key.Descr,
		key.Active, key.ExpiresAt, key.CreatedAt, key.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash resolves an active, unexpired key by its stored hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*schema.APIKey, error) {
	var key schema.APIKey
	err := s.db.GetContext(ctx, &key, `
		SELECT * FROM orchestrator_api_keys
		WHERE key_hash = $1 AND is_active
		  AND (expires_at IS NULL OR expires_at > $2)`,
		hash, s.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// TouchAPIKey records key usage; failures are logged, not surfaced.
func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_api_keys SET last_used_at = $2 WHERE id = $1`,
		id, s.now().UTC()); err != nil {
		s.log.Debug("api key touch failed", zap.Error(err))
	}
}

// ExpireAPIKey schedules a key to stop working at the given time. Used by
// rotation to give the old key an overlap window.
func (s *Store) ExpireAPIKey(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_api_keys SET expires_at = $2
		WHERE name = $1 AND is_active`, name, at.UTC())
	if err != nil {
		return fmt.Errorf("expire api key: %w", err)
	}
	return s.oneRow(res)
}

// RevokeAPIKey deactivates a key immediately.
func (s *Store) RevokeAPIKey(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestrator_api_keys SET is_active = false WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return s.oneRow(res)
}

// ListAPIKeys returns all key rows, hashes included (callers redact).
func (s *Store) ListAPIKeys(ctx context.Context) ([]schema.APIKey, error) {
	var keys []schema.APIKey
	err := s.db.SelectContext(ctx, &keys, `
		SELECT * FROM orchestrator_api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// AddBudgetUsage upserts the per-provider per-day usage row additively:
// spend and token totals grow, the request counter increments by one, and a
// fresh row carries the configured daily ceiling. Returns the new spend
// total.
func (s *Store) AddBudgetUsage(ctx context.Context, provider string, day time.Time, costUSD float64, tokens int64, budgetUSD float64) (float64, error) {
	var total float64
	err := s.db.GetContext(ctx, &total, `
		INSERT INTO orchestrator_budgets
			(provider, day, budget_usd, spent_usd, token_count, request_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (provider, day)
		DO UPDATE SET spent_usd = orchestrator_budgets.spent_usd + EXCLUDED.spent_usd,
		              token_count = orchestrator_budgets.token_count + EXCLUDED.token_count,
		              request_count = orchestrator_budgets.request_count + 1,
		              updated_at = EXCLUDED.updated_at
		RETURNING spent_usd`,
		provider, day.UTC().Format("2006-01-02"), budgetUSD, costUSD, tokens, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("add budget usage: %w", err)
	}
	return total, nil
}

// BudgetSpend reads the recorded spend for (provider, day); zero when no
// row exists yet.
func (s *Store) BudgetSpend(ctx context.Context, provider string, day time.Time) (float64, error) {
	var spent float64
	err := s.db.GetContext(ctx, &spent, `
		SELECT spent_usd FROM orchestrator_budgets WHERE provider = $1 AND day = $2`,
		provider, day.UTC().Format("2006-01-02"))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget spend: %w", err)
	}
	return spent, nil
}

// BreakerRow is the persisted circuit state for one provider. OpenedAt is
// set exactly while the state is open.
type BreakerRow struct {
	Provider      string       `db:"provider"`
	State         string       `db:"state"`
	FailureCount  int          `db:"failure_count"`
	SuccessCount  int          `db:"success_count"`
	ErrorRate     float64      `db:"error_rate"`
	OpenedAt      sql.NullTime `db:"opened_at"`
	LastFailureAt sql.NullTime `db:"last_failure_at"`
	LastSuccessAt sql.NullTime `db:"last_success_at"`
	NextRetryAt   sql.NullTime `db:"next_retry_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

// UpsertBreaker writes the full breaker row for a provider.
func (s *Store) UpsertBreaker(ctx context.Context, row *BreakerRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_circuit_breakers
			(provider, state, failure_count, success_count, error_rate,
			 opened_at, last_failure_at, last_success_at, next_retry_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			error_rate = EXCLUDED.error_rate,
			opened_at = EXCLUDED.opened_at,
			last_failure_at = EXCLUDED.last_failure_at,
			last_success_at = EXCLUDED.last_success_at,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = EXCLUDED.updated_at`,
		row.Provider, row.State, row.FailureCount, row.SuccessCount, row.ErrorRate,
		row.OpenedAt, row.LastFailureAt, row.LastSuccessAt, row.NextRetryAt, s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert breaker: %w", err)
	}
	return nil
}

// GetBreaker reads the persisted breaker row, or ErrNotFound.
func (s *Store) GetBreaker(ctx context.Context, provider string) (*BreakerRow, error) {
	var row BreakerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT provider, state, failure_count, success_count, error_rate,
		       opened_at, last_failure_at, last_success_at, next_retry_at, updated_at
		FROM orchestrator_circuit_breakers WHERE provider = $1`, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker: %w", err)
	}
	return &row, nil
}

// PurgeTerminalTasks removes DONE/FAILED/CANCELED tasks older than the
// cutoff. Runs cascade. Returns the number of tasks removed.
func (s *Store) PurgeTerminalTasks(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM orchestrator_tasks
		WHERE status IN ('done', 'failed', 'canceled') AND completed_at < $1`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeOldRuns removes terminal run records older than the cutoff even when
// the parent task survives.
func (s *Store) PurgeOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM orchestrator_runs
		WHERE status <> 'started' AND ended_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return res.RowsAffected()
}

// ActivityReport aggregates task outcomes since the cutoff.
func (s *Store) ActivityReport(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type || ':' || status, COUNT(*)
		FROM orchestrator_tasks
		WHERE enqueued_at >= $1
		GROUP BY 1 ORDER BY 1`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("activity report: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

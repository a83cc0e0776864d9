// Package queue implements the Redis-stream task queue: at-least-once
// delivery through a consumer group, per-message visibility leases,
// idempotent enqueue, exponential-backoff retries and a dead-letter stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

var (
	// ErrEmpty reports that no message was available within the block window.
	ErrEmpty = errors.New("queue: no message available")
	// ErrLeaseLost reports that the caller no longer owns the message lease.
	ErrLeaseLost = errors.New("queue: lease lost")
)

const (
	leasePrefix  = "aurea:lease:"
	lockPrefix   = "aurea:lock:"
	statusPrefix = "aurea:tasks:"
	counterPrefix = "aurea:counters:"
	priorityIndex = "aurea:queue"

	statusTTL = 7 * 24 * time.Hour
)

// Engine is the queue implementation. All operations are safe for
// concurrent use.
type Engine struct {
	rdb redis.UniversalClient
	cfg config.QueueConfig
	log *zap.Logger

	// sleep is the cancellable backoff sleep, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds an Engine over an existing Redis client.
func New(rdb redis.UniversalClient, cfg config.QueueConfig, log *zap.Logger) *Engine {
	return &Engine{
		rdb:   rdb,
		cfg:   cfg,
		log:   log,
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Initialize creates the consumer group on the main stream. Safe to call
// repeatedly; an existing group is not an error.
func (e *Engine) Initialize(ctx context.Context) error {
	err := e.rdb.XGroupCreateMkStream(ctx, e.cfg.Stream, e.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue appends the task to the main stream. When the task carries an
// idempotency key and a message for that key was already enqueued within
// the lock TTL, the stored message id is returned with duplicate=true and
// no new entry is written.
func (e *Engine) Enqueue(ctx context.Context, task *schema.Task) (msgID string, duplicate bool, err error) {
	var lockKey string
	if task.IdempotencyKey != "" {
		lockKey = lockPrefix + task.IdempotencyKey
		existing, err := e.rdb.Get(ctx, lockKey).Result()
		if err == nil && existing != "" {
			return existing, true, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", false, fmt.Errorf("idempotency check: %w", err)
		}
	}

	msgID, err = e.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: e.cfg.Stream,
		Values: encodeTask(task),
	}).Result()
	if err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}

	if lockKey != "" {
		// First writer wins; losing a race here enqueues twice, which
		// at-least-once delivery already tolerates.
		ok, err := e.rdb.SetNX(ctx, lockKey, msgID, e.cfg.IdempotencyTTL).Result()
		if err != nil {
			e.log.Warn("idempotency lock write failed",
				zap.String("task_id", task.ID.String()), zap.Error(err))
		} else if !ok {
			if stored, gerr := e.rdb.Get(ctx, lockKey).Result(); gerr == nil && stored != msgID {
				_ = e.rdb.XDel(ctx, e.cfg.Stream, msgID).Err()
				return stored, true, nil
			}
		}
	}

	// Advisory priority index: maintained for observability, never read by
	// stream consumers.
	score := float64(int64(task.Priority))*1e10 + float64(e.now().Unix())
	if err := e.rdb.ZAdd(ctx, priorityIndex, redis.Z{Score: score, Member: task.ID.String()}).Err(); err != nil {
		e.log.Warn("priority index update failed", zap.Error(err))
	}

	e.setStatusIndex(ctx, task.ID.String(), map[string]any{
		"status":      string(schema.StatusQueued),
		"type":        string(task.Type),
		"enqueued_at": task.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	})
	e.bump(ctx, "enqueued")

	e.log.Debug("task enqueued",
		zap.String("task_id", task.ID.String()),
		zap.String("message_id", msgID),
		zap.String("type", string(task.Type)))
	return msgID, false, nil
}

// Dequeue reads the next undelivered message for the consumer and installs
// its visibility lease. Returns ErrEmpty when the block window elapses with
// nothing to deliver.
func (e *Engine) Dequeue(ctx context.Context, consumer string) (*Message, error) {
	streams, err := e.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    e.cfg.Group,
		Consumer: consumer,
		Streams:  []string{e.cfg.Stream, ">"},
		Count:    1,
		Block:    e.cfg.DequeueBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, ErrEmpty
	}

	xm := streams[0].Messages[0]
	msg := messageFromStream(xm.ID, consumer, xm.Values)
	if err := e.rdb.Set(ctx, leasePrefix+msg.ID, consumer, e.cfg.LeaseTTL).Err(); err != nil {
		return nil, fmt.Errorf("install lease: %w", err)
	}
	return msg, nil
}

// Ack marks the message fully processed: group-acknowledged, trimmed from
// the stream, lease released.
func (e *Engine) Ack(ctx context.Context, msg *Message) error {
	if err := e.rdb.XAck(ctx, e.cfg.Stream, e.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	_ = e.rdb.XDel(ctx, e.cfg.Stream, msg.ID).Err()
	_ = e.rdb.Del(ctx, leasePrefix+msg.ID).Err()
	e.bump(ctx, "acked")
	return nil
}

// Nack records a failed delivery. Below the retry ceiling the message is
// re-enqueued after a clamped exponential backoff; past it the message
// moves to the dead-letter stream. The backoff sleep aborts on context
// cancellation, in which case the message is left pending for reclamation.
func (e *Engine) Nack(ctx context.Context, msg *Message, cause string) error {
	retry := msg.RetryCount() + 1
	if retry > e.cfg.MaxRetries {
		return e.moveToDLQ(ctx, msg, cause)
	}

	backoff := e.backoff(msg.RetryCount())
	if err := e.sleep(ctx, backoff); err != nil {
		return err
	}

	fields := copyValues(msg.Values)
	fields["retry_count"] = strconv.Itoa(retry)
	fields["last_error"] = truncate(cause, 1000)
	fields["last_retry_at"] = e.now().UTC().Format(time.RFC3339Nano)

	if _, err := e.rdb.XAdd(ctx, &redis.XAddArgs{Stream: e.cfg.Stream, Values: fields}).Result(); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if err := e.finishDelivery(ctx, msg.ID); err != nil {
		return err
	}
	e.bump(ctx, "nacked")
	e.log.Info("task requeued",
		zap.String("task_id", msg.TaskID()),
		zap.Int("retry_count", retry),
		zap.Duration("backoff", backoff))
	return nil
}

// ExtendLease refreshes the visibility lease, provided the consumer still
// owns it. A missing or foreign lease returns ErrLeaseLost.
func (e *Engine) ExtendLease(ctx context.Context, msg *Message) error {
	key := leasePrefix + msg.ID
	owner, err := e.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && owner != msg.Consumer) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("lease check: %w", err)
	}
	if err := e.rdb.Set(ctx, key, msg.Consumer, e.cfg.LeaseTTL).Err(); err != nil {
		return fmt.Errorf("lease extend: %w", err)
	}
	return nil
}

// backoff is min(backoff_max, backoff_base * 2^retryCount).
func (e *Engine) backoff(retryCount int) time.Duration {
	if retryCount > 30 {
		retryCount = 30
	}
	d := e.cfg.BackoffBase << uint(retryCount)
	if d > e.cfg.BackoffMax || d <= 0 {
		d = e.cfg.BackoffMax
	}
	return d
}

func (e *Engine) moveToDLQ(ctx context.Context, msg *Message, cause string) error {
	fields := copyValues(msg.Values)
	fields["final_error"] = truncate(cause, 1000)
	fields["moved_to_dlq_at"] = e.now().UTC().Format(time.RFC3339Nano)

	if _, err := e.rdb.XAdd(ctx, &redis.XAddArgs{Stream: e.cfg.DLQStream, Values: fields}).Result(); err != nil {
		return fmt.Errorf("dlq move: %w", err)
	}
	if err := e.finishDelivery(ctx, msg.ID); err != nil {
		return err
	}
	e.bump(ctx, "dlq")
	e.log.Warn("task moved to dlq",
		zap.String("task_id", msg.TaskID()),
		zap.String("type", msg.Type()),
		zap.String("final_error", truncate(cause, 200)))
	return nil
}

// finishDelivery retires a delivered entry: ack in the group, trim from the
// stream, drop the lease.
func (e *Engine) finishDelivery(ctx context.Context, msgID string) error {
	if err := e.rdb.XAck(ctx, e.cfg.Stream, e.cfg.Group, msgID).Err(); err != nil {
		return fmt.Errorf("ack delivered: %w", err)
	}
	_ = e.rdb.XDel(ctx, e.cfg.Stream, msgID).Err()
	_ = e.rdb.Del(ctx, leasePrefix+msgID).Err()
	return nil
}

// SetStatus updates the fast status index for a task.
func (e *Engine) SetStatus(ctx context.Context, taskID string, status schema.TaskStatus, extra map[string]any) {
	fields := map[string]any{"status": string(status)}
	for k, v := range extra {
		fields[k] = v
	}
	e.setStatusIndex(ctx, taskID, fields)
}

// GetStatus reads the fast status index. Returns an empty map when the
// entry has expired.
func (e *Engine) GetStatus(ctx context.Context, taskID string) (map[string]string, error) {
	return e.rdb.HGetAll(ctx, statusPrefix+taskID).Result()
}

// BumpTypeCounter increments a per-type outcome counter.
func (e *Engine) BumpTypeCounter(ctx context.Context, taskType, outcome string) {
	e.bump(ctx, taskType+":"+outcome)
}

func (e *Engine) setStatusIndex(ctx context.Context, taskID string, fields map[string]any) {
	key := statusPrefix + taskID
	if err := e.rdb.HSet(ctx, key, fields).Err(); err != nil {
		e.log.Warn("status index write failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	_ = e.rdb.Expire(ctx, key, statusTTL).Err()
}

func (e *Engine) bump(ctx context.Context, name string) {
	if err := e.rdb.Incr(ctx, counterPrefix+name).Err(); err != nil {
		e.log.Debug("counter bump failed", zap.String("counter", name), zap.Error(err))
	}
}

func copyValues(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

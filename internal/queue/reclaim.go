package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// reclaimConsumer is the synthetic consumer expired messages are claimed to
// before requeueing.
const reclaimConsumer = "reclaimer"

// ReclaimExpired scans the pending-entries list for deliveries whose idle
// time exceeds the visibility timeout and whose lease key has expired, and
// makes each available for redelivery. Lease expiry is reassignment, not
// failure: the retry counter is left untouched. Returns the number
// reclaimed.
func (e *Engine) ReclaimExpired(ctx context.Context) (int, error) {
	pending, err := e.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: e.cfg.Stream,
		Group:  e.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("pending scan: %w", err)
	}

	reclaimed := 0
	for _, p := range pending {
		if p.Idle < e.cfg.LeaseTTL {
			continue
		}
		// A live lease means the consumer is heartbeating even though the
		// group reports it idle; leave it alone.
		if n, err := e.rdb.Exists(ctx, leasePrefix+p.ID).Result(); err == nil && n > 0 {
			continue
		}

		claimed, err := e.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   e.cfg.Stream,
			Group:    e.cfg.Group,
			Consumer: reclaimConsumer,
			MinIdle:  e.cfg.LeaseTTL,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		msg := messageFromStream(claimed[0].ID, reclaimConsumer, claimed[0].Values)
		if err := e.requeueReclaimed(ctx, msg); err != nil {
			e.log.Warn("reclaim requeue failed",
				zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		e.log.Info("expired leases reclaimed", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// requeueReclaimed re-appends the claimed entry so a blocked XREADGROUP
// picks it up as a fresh delivery. Fields carry over unchanged apart from
// the reclaim timestamp.
func (e *Engine) requeueReclaimed(ctx context.Context, msg *Message) error {
	fields := copyValues(msg.Values)
	fields["last_reclaimed_at"] = e.now().UTC().Format(time.RFC3339Nano)
	if _, err := e.rdb.XAdd(ctx, &redis.XAddArgs{Stream: e.cfg.Stream, Values: fields}).Result(); err != nil {
		return err
	}
	return e.finishDelivery(ctx, msg.ID)
}

// DrainOptions controls DrainDLQ.
type DrainOptions struct {
	Max          int
	KeepPriority bool
	DryRun       bool
}

// DrainDLQ moves dead-lettered messages back onto the main stream with the
// retry counter reset, priority demoted one level (unless KeepPriority),
// and a drain timestamp. Returns the number of messages moved.
func (e *Engine) DrainDLQ(ctx context.Context, opts DrainOptions) (int, error) {
	count := int64(opts.Max)
	if count <= 0 {
		count = 100
	}
	entries, err := e.rdb.XRangeN(ctx, e.cfg.DLQStream, "-", "+", count).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq scan: %w", err)
	}

	moved := 0
	for _, entry := range entries {
		if opts.DryRun {
			moved++
			continue
		}
		msg := messageFromStream(entry.ID, "", entry.Values)
		fields := copyValues(msg.Values)
		fields["retry_count"] = "0"
		fields["drained_from_dlq_at"] = e.now().UTC().Format(time.RFC3339Nano)
		delete(fields, "final_error")
		delete(fields, "moved_to_dlq_at")
		if !opts.KeepPriority {
			fields["priority"] = strconv.Itoa(int(msg.Priority().Demote()))
		}
		if _, err := e.rdb.XAdd(ctx, &redis.XAddArgs{Stream: e.cfg.Stream, Values: fields}).Result(); err != nil {
			return moved, fmt.Errorf("drain requeue: %w", err)
		}
		if err := e.rdb.XDel(ctx, e.cfg.DLQStream, entry.ID).Err(); err != nil {
			return moved, fmt.Errorf("drain trim: %w", err)
		}
		moved++
	}
	if moved > 0 && !opts.DryRun {
		e.log.Info("dlq drained", zap.Int("count", moved))
	}
	return moved, nil
}

// QueueMetrics is a point-in-time snapshot of queue depths.
type QueueMetrics struct {
	Depth        int64
	DLQDepth     int64
	Pending      int64
	ActiveLeases int64
	Statuses     map[schema.TaskStatus]int64
}

// Metrics reports stream lengths, the pending-entries count and the number
// of live lease keys.
func (e *Engine) Metrics(ctx context.Context) (*QueueMetrics, error) {
	depth, err := e.rdb.XLen(ctx, e.cfg.Stream).Result()
	if err != nil {
		return nil, fmt.Errorf("stream depth: %w", err)
	}
	dlq, err := e.rdb.XLen(ctx, e.cfg.DLQStream).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq depth: %w", err)
	}
	m := &QueueMetrics{Depth: depth, DLQDepth: dlq}
	if summary, err := e.rdb.XPending(ctx, e.cfg.Stream, e.cfg.Group).Result(); err == nil {
		m.Pending = summary.Count
	}
	var cursor uint64
	for {
		keys, next, err := e.rdb.Scan(ctx, cursor, leasePrefix+"*", 100).Result()
		if err != nil {
			break
		}
		m.ActiveLeases += int64(len(keys))
		if cursor = next; cursor == 0 {
			break
		}
	}
	return m, nil
}

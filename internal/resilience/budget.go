package resilience

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	budgetWindowPrefix = "aurea:budget:window:"
	budgetWindowSpan   = 24 * time.Hour
	budgetWindowExpiry = 48 * time.Hour
)

// SpendStore persists daily usage totals.
type SpendStore interface {
	AddBudgetUsage(ctx context.Context, provider string, day time.Time, costUSD float64, tokens int64, budgetUSD float64) (float64, error)
	BudgetSpend(ctx context.Context, provider string, day time.Time) (float64, error)
}

// BudgetGuard enforces per-provider daily spend caps. The durable total
// lives in Postgres keyed by UTC date; a Redis sorted set keeps a rolling
// 24h window for observability. Check and record are deliberately separate
// calls: concurrent callers may both pass a check near the cap, which is
// accepted over serializing every provider call.
type BudgetGuard struct {
	store  SpendStore
	rdb    redis.UniversalClient
	limits map[string]float64
	log    *zap.Logger
	now    func() time.Time
}

// NewBudgetGuard builds the guard. rdb may be nil, disabling the sliding
// window.
func NewBudgetGuard(store SpendStore, rdb redis.UniversalClient, limits map[string]float64, log *zap.Logger) *BudgetGuard {
	return &BudgetGuard{store: store, rdb: rdb, limits: limits, log: log, now: time.Now}
}

// CheckBudget returns ErrBudgetExceeded when today's recorded spend plus the
// estimated cost of the next call would cross the provider's cap. Providers
// without a configured cap are unlimited.
func (g *BudgetGuard) CheckBudget(ctx context.Context, provider string, estimatedCostUSD float64) error {
	limit, capped := g.limits[provider]
	if !capped {
		return nil
	}
	spent, err := g.store.BudgetSpend(ctx, provider, g.now().UTC())
	if err != nil {
		return fmt.Errorf("budget lookup for %s: %w", provider, err)
	}
	if spent+estimatedCostUSD > limit {
		return fmt.Errorf("%w: %s spent %.4f + est %.4f over %.2f",
			ErrBudgetExceeded, provider, spent, estimatedCostUSD, limit)
	}
	return nil
}

// RecordUsage adds the actual cost and token count to the durable daily
// total and the rolling window.
func (g *BudgetGuard) RecordUsage(ctx context.Context, provider string, costUSD float64, tokens int64) error {
	if costUSD < 0 {
		return fmt.Errorf("negative cost %.4f", costUSD)
	}
	total, err := g.store.AddBudgetUsage(ctx, provider, g.now().UTC(), costUSD, tokens, g.limits[provider])
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", provider, err)
	}
	g.appendWindow(ctx, provider, costUSD)
	g.log.Debug("usage recorded",
		zap.String("provider", provider),
		zap.Float64("cost_usd", costUSD),
		zap.Int64("tokens", tokens),
		zap.Float64("spent_today", total))
	return nil
}

// RemainingBudget reports cap minus today's spend, floored at zero.
// Uncapped providers report -1.
func (g *BudgetGuard) RemainingBudget(ctx context.Context, provider string) (float64, error) {
	limit, capped := g.limits[provider]
	if !capped {
		return -1, nil
	}
	spent, err := g.store.BudgetSpend(ctx, provider, g.now().UTC())
	if err != nil {
		return 0, err
	}
	if remaining := limit - spent; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// SlidingWindowSpend sums the rolling 24h window from Redis.
func (g *BudgetGuard) SlidingWindowSpend(ctx context.Context, provider string) (float64, error) {
	if g.rdb == nil {
		return 0, nil
	}
	key := budgetWindowPrefix + provider
	cutoff := g.now().Add(-budgetWindowSpan).Unix()
	members, err := g.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("window scan for %s: %w", provider, err)
	}
	var sum float64
	for _, m := range members {
		// Member format is "<nanos>:<cost>".
		if i := strings.LastIndexByte(m, ':'); i >= 0 {
			if c, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
				sum += c
			}
		}
	}
	return sum, nil
}

func (g *BudgetGuard) appendWindow(ctx context.Context, provider string, costUSD float64) {
	if g.rdb == nil {
		return
	}
	key := budgetWindowPrefix + provider
	now := g.now()
	member := fmt.Sprintf("%d:%.6f", now.UnixNano(), costUSD)
	pipe := g.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-budgetWindowSpan).Unix(), 10))
	pipe.Expire(ctx, key, budgetWindowExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		g.log.Warn("budget window update failed",
			zap.String("provider", provider), zap.Error(err))
	}
}

package resilience

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// StateStore persists breaker state across restarts.
type StateStore interface {
	UpsertBreaker(ctx context.Context, row *ledger.BreakerRow) error
	GetBreaker(ctx context.Context, provider string) (*ledger.BreakerRow, error)
}

// Breaker is a circuit breaker for one provider. The in-memory sample ring
// is authoritative for the error rate; the ledger row is authoritative for
// state across restarts. Every transition and every failure is persisted
// immediately; successes are flushed in batches.
type Breaker struct {
	provider string
	cfg      config.ResilienceConfig
	store    StateStore
	log      *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	state         string
	ring          []bool
	ringIdx       int
	ringLen       int
	failureCount  int
	successCount  int
	openedAt      time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextRetryAt   time.Time
	probeInFlight bool

	pendingSuccesses int
	lastFlush        time.Time
}

// NewBreaker builds a breaker, restoring persisted state when a ledger row
// exists.
func NewBreaker(ctx context.Context, provider string, cfg config.ResilienceConfig, store StateStore, log *zap.Logger) *Breaker {
	b := &Breaker{
		provider: provider,
		cfg:      cfg,
		store:    store,
		log:      log,
		now:      time.Now,
		state:    StateClosed,
		ring:     make([]bool, cfg.WindowSize),
	}
	if store != nil {
		if row, err := store.GetBreaker(ctx, provider); err == nil {
			b.state = row.State
			b.failureCount = row.FailureCount
			b.successCount = row.SuccessCount
			if row.OpenedAt.Valid {
				b.openedAt = row.OpenedAt.Time
			}
			if row.LastFailureAt.Valid {
				b.lastFailureAt = row.LastFailureAt.Time
			}
			if row.LastSuccessAt.Valid {
				b.lastSuccessAt = row.LastSuccessAt.Time
			}
			if row.NextRetryAt.Valid {
				b.nextRetryAt = row.NextRetryAt.Time
			}
		}
	}
	b.lastFlush = b.now()
	return b
}

// State returns the current state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow decides whether a call may proceed. An OPEN breaker past its dwell
// window moves to HALF_OPEN and admits a single probe.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextRetryAt) {
			return ErrCircuitOpen
		}
		b.transition(ctx, StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess registers a successful call. A HALF_OPEN probe success
// closes the circuit and resets the sample ring.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.push(true)
	b.successCount++
	b.pendingSuccesses++
	b.lastSuccessAt = b.now()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.resetRing()
		b.failureCount = 0
		b.transition(ctx, StateClosed)
		return
	}
	if b.now().Sub(b.lastFlush) >= b.cfg.FlushInterval {
		b.persist(ctx)
	}
}

// RecordFailure registers a failed call. Persisted immediately. A CLOSED
// breaker trips when the ring holds at least MinSamples and the error rate
// exceeds the threshold; a HALF_OPEN probe failure reopens at once.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.push(false)
	b.failureCount++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.open(ctx)
	case StateClosed:
		if b.ringLen >= b.cfg.MinSamples && b.errorRate() > b.cfg.ErrorThreshold {
			b.open(ctx)
			return
		}
		b.persist(ctx)
	default:
		b.persist(ctx)
	}
}

// Flush forces pending success counts to the ledger. Called periodically
// by the worker scheduler and at shutdown.
func (b *Breaker) Flush(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingSuccesses > 0 {
		b.persist(ctx)
	}
}

func (b *Breaker) open(ctx context.Context) {
	b.openedAt = b.now()
	b.nextRetryAt = b.now().Add(b.cfg.OpenTimeout)
	b.transition(ctx, StateOpen)
}

// transition changes state and persists. Caller holds the lock.
func (b *Breaker) transition(ctx context.Context, next string) {
	prev := b.state
	b.state = next
	b.persist(ctx)
	b.log.Warn("circuit transition",
		zap.String("provider", b.provider),
		zap.String("from", prev),
		zap.String("to", next),
		zap.Float64("error_rate", b.errorRate()),
		zap.Time("next_retry_at", b.nextRetryAt))
}

// persist writes the full row. Caller holds the lock. Persistence failures
// are logged; the in-memory breaker keeps protecting callers regardless.
func (b *Breaker) persist(ctx context.Context) {
	b.pendingSuccesses = 0
	b.lastFlush = b.now()
	if b.store == nil {
		return
	}
	row := &ledger.BreakerRow{
		Provider:     b.provider,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		ErrorRate:    b.errorRate(),
	}
	// opened_at is set exactly while the circuit is open.
	if b.state == StateOpen && !b.openedAt.IsZero() {
		row.OpenedAt = sql.NullTime{Time: b.openedAt, Valid: true}
	}
	if !b.lastFailureAt.IsZero() {
		row.LastFailureAt = sql.NullTime{Time: b.lastFailureAt, Valid: true}
	}
	if !b.lastSuccessAt.IsZero() {
		row.LastSuccessAt = sql.NullTime{Time: b.lastSuccessAt, Valid: true}
	}
	if !b.nextRetryAt.IsZero() {
		row.NextRetryAt = sql.NullTime{Time: b.nextRetryAt, Valid: true}
	}
	if err := b.store.UpsertBreaker(ctx, row); err != nil {
		b.log.Error("breaker persist failed",
			zap.String("provider", b.provider), zap.Error(err))
	}
}

func (b *Breaker) push(ok bool) {
	b.ring[b.ringIdx] = ok
	b.ringIdx = (b.ringIdx + 1) % len(b.ring)
	if b.ringLen < len(b.ring) {
		b.ringLen++
	}
}

func (b *Breaker) resetRing() {
	b.ringIdx = 0
	b.ringLen = 0
}

func (b *Breaker) errorRate() float64 {
	if b.ringLen == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.ringLen; i++ {
		if !b.ring[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.ringLen)
}

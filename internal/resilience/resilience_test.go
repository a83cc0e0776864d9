package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mwwoodworth/aurea-orchestrator/internal/config"
	"github.com/mwwoodworth/aurea-orchestrator/internal/ledger"
)

type fakeStateStore struct {
	rows    map[string]*ledger.BreakerRow
	upserts int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{rows: map[string]*ledger.BreakerRow{}}
}

func (f *fakeStateStore) UpsertBreaker(_ context.Context, row *ledger.BreakerRow) error {
	f.upserts++
	cp := *row
	f.rows[row.Provider] = &cp
	return nil
}

func (f *fakeStateStore) GetBreaker(_ context.Context, provider string) (*ledger.BreakerRow, error) {
	if row, ok := f.rows[provider]; ok {
		return row, nil
	}
	return nil, ledger.ErrNotFound
}

type fakeSpendStore struct {
	spend    map[string]float64
	tokens   map[string]int64
	requests map[string]int
}

func newFakeSpendStore() *fakeSpendStore {
	return &fakeSpendStore{
		spend:    map[string]float64{},
		tokens:   map[string]int64{},
		requests: map[string]int{},
	}
}

func spendKey(provider string, day time.Time) string {
	return provider + ":" + day.UTC().Format("2006-01-02")
}

func (f *fakeSpendStore) AddBudgetUsage(_ context.Context, provider string, day time.Time, cost float64, tokens int64, _ float64) (float64, error) {
	k := spendKey(provider, day)
	f.spend[k] += cost
	f.tokens[k] += tokens
	f.requests[k]++
	return f.spend[k], nil
}

func (f *fakeSpendStore) BudgetSpend(_ context.Context, provider string, day time.Time) (float64, error) {
	return f.spend[spendKey(provider, day)], nil
}

func testResCfg() config.ResilienceConfig {
	return config.ResilienceConfig{
		WindowSize:     100,
		ErrorThreshold: 0.1,
		OpenTimeout:    600 * time.Second,
		MinSamples:     10,
		FlushInterval:  10 * time.Second,
	}
}

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(ctx, "anthropic", testResCfg(), newFakeStateStore(), zap.NewNop())

	// Nine straight failures: 100% error rate but under the sample floor.
	for i := 0; i < 9; i++ {
		b.RecordFailure(ctx)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed below min samples", b.State())
	}
	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open at min samples", b.State())
	}
}

func TestBreakerOpensOnErrorRate(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(ctx, "openai", testResCfg(), newFakeStateStore(), zap.NewNop())

	for i := 0; i < 50; i++ {
		b.RecordSuccess(ctx)
	}
	// 50 ok + 6 failures = 6/56 > 0.1 on the sixth failure.
	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s before crossing threshold", b.State())
	}
	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open past threshold", b.State())
	}
	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	store := newFakeStateStore()
	b := NewBreaker(ctx, "gemini", testResCfg(), store, zap.NewNop())

	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		b.RecordFailure(ctx)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s", b.State())
	}
	if !store.rows["gemini"].OpenedAt.Valid {
		t.Fatal("opened_at not persisted while open")
	}

	// Still inside the dwell window.
	clock = clock.Add(599 * time.Second)
	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Allow inside dwell = %v", err)
	}

	// Past the window: one probe allowed, the second refused.
	clock = clock.Add(2 * time.Second)
	if err := b.Allow(ctx); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe allowed: %v", err)
	}

	// Probe success closes the circuit.
	b.RecordSuccess(ctx)
	if b.State() != StateClosed {
		t.Fatalf("state = %s after probe success", b.State())
	}
	if store.rows["gemini"].State != StateClosed {
		t.Fatal("close transition not persisted")
	}
	if store.rows["gemini"].OpenedAt.Valid {
		t.Fatal("opened_at should clear once the circuit closes")
	}
	if !store.rows["gemini"].LastSuccessAt.Valid {
		t.Fatal("last_success_at not persisted")
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(ctx, "p", testResCfg(), newFakeStateStore(), zap.NewNop())
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		b.RecordFailure(ctx)
	}
	clock = clock.Add(601 * time.Second)
	if err := b.Allow(ctx); err != nil {
		t.Fatal(err)
	}
	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want reopened", b.State())
	}
	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("reopened breaker allowed a call")
	}
}

func TestBreakerRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	store := newFakeStateStore()

	first := NewBreaker(ctx, "p", testResCfg(), store, zap.NewNop())
	for i := 0; i < 10; i++ {
		first.RecordFailure(ctx)
	}

	second := NewBreaker(ctx, "p", testResCfg(), store, zap.NewNop())
	if second.State() != StateOpen {
		t.Fatalf("restored state = %s, want open", second.State())
	}
	if err := second.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("restored open breaker allowed a call")
	}
}

func TestBreakerBatchesSuccessPersistence(t *testing.T) {
	ctx := context.Background()
	store := newFakeStateStore()
	b := NewBreaker(ctx, "p", testResCfg(), store, zap.NewNop())
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	b.lastFlush = clock

	for i := 0; i < 5; i++ {
		b.RecordSuccess(ctx)
	}
	if store.upserts != 0 {
		t.Fatalf("upserts = %d, successes should batch", store.upserts)
	}

	clock = clock.Add(11 * time.Second)
	b.RecordSuccess(ctx)
	if store.upserts != 1 {
		t.Fatalf("upserts = %d, want flush after interval", store.upserts)
	}
	if store.rows["p"].SuccessCount != 6 {
		t.Fatalf("persisted success count = %d", store.rows["p"].SuccessCount)
	}
}

func TestBudgetGuard(t *testing.T) {
	ctx := context.Background()
	store := newFakeSpendStore()
	g := NewBudgetGuard(store, nil, map[string]float64{"anthropic": 50}, zap.NewNop())
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return day }

	if err := g.CheckBudget(ctx, "anthropic", 1); err != nil {
		t.Fatalf("fresh budget check: %v", err)
	}
	if err := g.RecordUsage(ctx, "anthropic", 49.5, 1200); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckBudget(ctx, "anthropic", 0.4); err != nil {
		t.Fatalf("estimate fits under cap: %v", err)
	}
	// Under the cap, but the next call's estimate would cross it.
	if err := g.CheckBudget(ctx, "anthropic", 1); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded for overshooting estimate", err)
	}
	if err := g.RecordUsage(ctx, "anthropic", 0.5, 20); err != nil {
		t.Fatal(err)
	}
	if err := g.CheckBudget(ctx, "anthropic", 0.01); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded at cap", err)
	}

	remaining, err := g.RemainingBudget(ctx, "anthropic")
	if err != nil || remaining != 0 {
		t.Fatalf("remaining = %v, %v", remaining, err)
	}
	if store.tokens[spendKey("anthropic", day)] != 1220 {
		t.Fatalf("tokens = %d, want 1220", store.tokens[spendKey("anthropic", day)])
	}
	if store.requests[spendKey("anthropic", day)] != 2 {
		t.Fatalf("requests = %d, want 2", store.requests[spendKey("anthropic", day)])
	}

	// A new UTC day resets the cap.
	g.now = func() time.Time { return day.Add(24 * time.Hour) }
	if err := g.CheckBudget(ctx, "anthropic", 1); err != nil {
		t.Fatalf("new day check: %v", err)
	}

	// Uncapped providers are unlimited.
	if err := g.CheckBudget(ctx, "other", 100); err != nil {
		t.Fatalf("uncapped provider: %v", err)
	}
}

type fakeProvider struct {
	name   string
	calls  int
	fail   error
	cost   float64
	tokens int64
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Generate(context.Context, GenRequest) (*GenResult, error) {
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	return &GenResult{Text: "out", Model: p.name + "-model", CostUSD: p.cost, TokensUsed: p.tokens}, nil
}

func newChain(t *testing.T, providers []Provider, limits, estimates map[string]float64) (*Failover, *fakeSpendStore) {
	t.Helper()
	spend := newFakeSpendStore()
	budget := NewBudgetGuard(spend, nil, limits, zap.NewNop())
	breakers := map[string]*Breaker{}
	for _, p := range providers {
		breakers[p.Name()] = NewBreaker(context.Background(), p.Name(), testResCfg(), newFakeStateStore(), zap.NewNop())
	}
	return NewFailover(providers, breakers, budget, estimates, zap.NewNop()), spend
}

func TestFailoverFirstProviderWins(t *testing.T) {
	a := &fakeProvider{name: "a", cost: 0.1, tokens: 30}
	b := &fakeProvider{name: "b"}
	chain, spend := newChain(t, []Provider{a, b}, nil, nil)

	res, err := chain.Execute(context.Background(), GenRequest{Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "a" || b.calls != 0 {
		t.Fatalf("provider = %s, b.calls = %d", res.Provider, b.calls)
	}
	if spend.spend[spendKey("a", time.Now())] != 0.1 {
		t.Fatal("usage not recorded for winning provider")
	}
	if spend.tokens[spendKey("a", time.Now())] != 30 {
		t.Fatal("token usage not recorded for winning provider")
	}
}

func TestFailoverSkipsOverBudget(t *testing.T) {
	a := &fakeProvider{name: "a", cost: 1}
	b := &fakeProvider{name: "b", cost: 1}
	chain, spend := newChain(t, []Provider{a, b},
		map[string]float64{"a": 10}, map[string]float64{"a": 1, "b": 1})
	spend.spend[spendKey("a", time.Now())] = 9.5

	res, err := chain.Execute(context.Background(), GenRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "b" {
		t.Fatalf("provider = %s, want b", res.Provider)
	}
	if a.calls != 0 {
		t.Fatal("over-budget provider was called")
	}
}

func TestFailoverFallsThroughOnError(t *testing.T) {
	a := &fakeProvider{name: "a", fail: fmt.Errorf("upstream 500")}
	b := &fakeProvider{name: "b", cost: 0.2}
	chain, _ := newChain(t, []Provider{a, b}, nil, nil)

	res, err := chain.Execute(context.Background(), GenRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "b" || a.calls != 1 {
		t.Fatalf("provider = %s, a.calls = %d", res.Provider, a.calls)
	}
}

func TestFailoverAggregateError(t *testing.T) {
	a := &fakeProvider{name: "a", fail: fmt.Errorf("down")}
	b := &fakeProvider{name: "b", fail: fmt.Errorf("also down")}
	chain, spend := newChain(t, []Provider{a, b}, nil, nil)

	_, err := chain.Execute(context.Background(), GenRequest{})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	for k := range spend.spend {
		t.Fatalf("usage recorded for failed chain: %s", k)
	}
}

func TestPermanentTaxonomy(t *testing.T) {
	base := fmt.Errorf("bad credentials")
	perm := Permanent(base)
	if !IsPermanent(perm) {
		t.Fatal("permanent mark lost")
	}
	if !IsPermanent(fmt.Errorf("wrap: %w", perm)) {
		t.Fatal("permanent mark lost through wrapping")
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// GenRequest is a content-generation call routed through the chain.
type GenRequest struct {
	Prompt      string
	ContentType string
	MaxTokens   int
}

// GenResult is a provider's answer plus its billing cost.
type GenResult struct {
	Text       string
	Model      string
	Provider   string
	CostUSD    float64
	TokensUsed int64
}

// Provider is one model backend in the failover chain.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenRequest) (*GenResult, error)
}

// Failover walks an ordered provider chain, skipping providers that are
// over budget or whose circuit is open, and falls through on call errors.
// Usage is recorded only after a call succeeds.
type Failover struct {
	providers []Provider
	breakers  map[string]*Breaker
	budget    *BudgetGuard
	estimates map[string]float64
	log       *zap.Logger
}

// NewFailover wires the chain. Each provider gets its own breaker; estimates
// carries the per-provider expected call cost used by the budget precheck
// and may be nil.
func NewFailover(providers []Provider, breakers map[string]*Breaker, budget *BudgetGuard, estimates map[string]float64, log *zap.Logger) *Failover {
	return &Failover{providers: providers, breakers: breakers, budget: budget, estimates: estimates, log: log}
}

// Breaker exposes the breaker for a provider, for metrics and flushing.
func (f *Failover) Breaker(provider string) *Breaker { return f.breakers[provider] }

// Providers returns the chain order.
func (f *Failover) Providers() []Provider { return f.providers }

// Execute tries each provider in order and returns the first success. When
// every provider is skipped or fails, the aggregate error wraps
// ErrAllProvidersFailed with each provider's reason.
func (f *Failover) Execute(ctx context.Context, req GenRequest) (*GenResult, error) {
	var reasons []error
	for _, p := range f.providers {
		name := p.Name()

		if err := f.budget.CheckBudget(ctx, name, f.estimates[name]); err != nil {
			f.log.Info("provider skipped", zap.String("provider", name), zap.Error(err))
			reasons = append(reasons, fmt.Errorf("%s: %w", name, err))
			continue
		}
		br := f.breakers[name]
		if br != nil {
			if err := br.Allow(ctx); err != nil {
				f.log.Info("provider skipped", zap.String("provider", name), zap.Error(err))
				reasons = append(reasons, fmt.Errorf("%s: %w", name, err))
				continue
			}
		}

		res, err := p.Generate(ctx, req)
		if err != nil {
			if br != nil {
				br.RecordFailure(ctx)
			}
			f.log.Warn("provider call failed", zap.String("provider", name), zap.Error(err))
			reasons = append(reasons, fmt.Errorf("%s: %w", name, err))
			continue
		}

		if br != nil {
			br.RecordSuccess(ctx)
		}
		if err := f.budget.RecordUsage(ctx, name, res.CostUSD, res.TokensUsed); err != nil {
			f.log.Error("usage record failed", zap.String("provider", name), zap.Error(err))
		}
		res.Provider = name
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAllProvidersFailed, errors.Join(reasons...))
}

// Package resilience protects provider calls: a per-provider circuit
// breaker, a daily budget guard with a sliding spend window, and an ordered
// failover chain that consults both.
package resilience

import "errors"

var (
	// ErrCircuitOpen reports a provider whose breaker refuses calls.
	ErrCircuitOpen = errors.New("resilience: circuit open")
	// ErrBudgetExceeded reports a provider over its daily spend cap.
	ErrBudgetExceeded = errors.New("resilience: daily budget exceeded")
	// ErrAllProvidersFailed reports a failover chain with no usable provider.
	ErrAllProvidersFailed = errors.New("resilience: all providers failed")
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as non-retryable. Workers quarantine tasks
// failing with a permanent error after a single attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked
// permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

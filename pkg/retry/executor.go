package retry

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// Executor runs operations under a retry Policy with exponential backoff
type Executor struct {
	policy *Policy
}

// NewExecutor creates a new Executor. A nil policy uses the defaults.
func NewExecutor(policy *Policy) *Executor {
	if policy == nil {
		policy = NewPolicy()
	}
	return &Executor{policy: policy}
}

// Policy returns the policy the executor was built with
func (e *Executor) Policy() *Policy {
	return e.policy
}

// Execute runs operation until it succeeds, returns a Permanent error, the
// attempt budget is spent, or ctx is done.
func (e *Executor) Execute(ctx context.Context, operation func() error) error {
	return backoff.Retry(operation, backoff.WithContext(e.backOff(), ctx))
}

func (e *Executor) backOff() backoff.BackOff {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = e.policy.InitialInterval
	exponentialBackoff.Multiplier = e.policy.BackoffCoefficient
	exponentialBackoff.MaxInterval = e.policy.MaximumInterval
	// Attempts bound the loop, not wall time.
	exponentialBackoff.MaxElapsedTime = 0

	if e.policy.MaximumAttempts <= 0 {
		return exponentialBackoff
	}
	return backoff.WithMaxRetries(exponentialBackoff, uint64(e.policy.MaximumAttempts-1))
}

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

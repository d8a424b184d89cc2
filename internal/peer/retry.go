package peer

import (
	"context"
	"time"
)

// RetryPolicy re-runs an operation whose hub-side effect is idempotent when
// the hub is unreachable. Invalid responses and auth rejects are never
// retried; resending a request the hub already understood and refused cannot
// improve the outcome.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay scales the backoff: the wait after attempt n is n*BaseDelay,
	// which is strictly increasing and crosses at least one rolling-code
	// window boundary with the defaults.
	BaseDelay time.Duration

	sleep func(ctx context.Context, wait time.Duration) error
}

// NewRetryPolicy creates a policy with the given bounds. Non-positive values
// fall back to a single attempt with 400ms base delay.
func NewRetryPolicy(attempts int, baseDelay time.Duration) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 400 * time.Millisecond
	}
	return RetryPolicy{Attempts: attempts, BaseDelay: baseDelay, sleep: sleepContext}
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempt budget is exhausted, or ctx is canceled. On exhaustion the last
// UnreachableError is returned so callers still see "hub absent".
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsUnreachable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, time.Duration(attempt)*p.BaseDelay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

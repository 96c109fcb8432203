package runner

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retry behavior for spawning sessions.
type RetryPolicy struct {
	MaxAttempts int                                        // total attempts including initial try
	Delay       time.Duration                              // fixed delay between retries (used if DelayFunc nil)
	ShouldRetry func(error) bool                           // predicate; if nil, all errors retried
	DelayFunc   func(attempt int, err error) time.Duration // dynamic backoff; attempt is 1-based
}

// ExponentialBackoff returns a DelayFunc doubling base per attempt up to max,
// with up to 50% random jitter subtracted.
func ExponentialBackoff(base, max time.Duration) func(int, error) time.Duration {
	return func(attempt int, _ error) time.Duration {
		if base <= 0 {
			return 0
		}
		delay := base
		for i := 1; i < attempt && delay < max; i++ {
			delay *= 2
		}
		if max > 0 && delay > max {
			delay = max
		}
		jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
		return delay - jitter
	}
}

// retry calls fn until it succeeds, the policy gives up or ctx ends. onFailure
// observes every failed attempt.
func retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error, onFailure func(attempt int, err error)) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil // success
		}
		if onFailure != nil {
			onFailure(attempt, lastErr)
		}

		// Don't delay after the last attempt.
		if attempt < attempts {
			if policy.ShouldRetry != nil && !policy.ShouldRetry(lastErr) {
				return lastErr
			}
			var delay time.Duration
			if policy.DelayFunc != nil {
				delay = policy.DelayFunc(attempt, lastErr)
			} else {
				delay = policy.Delay
			}
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				}
			}
		}
	}
	return lastErr
}

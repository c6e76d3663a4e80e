package processor

import "time"

// RetryPolicy bounds delivery attempts and spaces retries exponentially.
type RetryPolicy struct {
	// MaxAttempts is the total failed-attempt budget per queue entry.
	MaxAttempts int
	// Base is the backoff unit; the delay after failed attempt n is 2^n * Base.
	Base time.Duration
}

// NewRetryPolicy creates a RetryPolicy with the given budget and a one-minute
// base, giving delays of 2, 4, and 8 minutes for attempts 1, 2, and 3.
func NewRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        time.Minute,
	}
}

// Backoff returns the delay before the next attempt, given the post-increment
// failed-attempt count.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	return time.Duration(1<<uint(attempts)) * p.Base
}

// Exhausted reports whether the failed-attempt count has consumed the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

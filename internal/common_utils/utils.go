package commonutils

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often and how patiently a failing operation is retried.
type RetryPolicy struct {
	Attempts   int           // total attempts including the first one
	Backoff    time.Duration // delay before the second attempt
	MaxBackoff time.Duration // upper bound for the doubled delay
}

// DefaultRetryPolicy is used when a caller leaves the policy zeroed.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 5 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff * 32
	}
	return p
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the policy is exhausted.
// The delay doubles after each failed attempt.
func Retry(policy RetryPolicy, retryable func(error) bool, logger *zap.Logger, op string, fn func() error) error {
	policy = policy.normalized()
	delay := policy.Backoff

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		if logger != nil {
			logger.Warn("transient failure, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
		}
		time.Sleep(delay)
		delay *= 2
		if delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, policy.Attempts, err)
}

package source

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy describes how request failures are retried.
//
// Transient failures (timeouts, connection errors, 5xx) consume the fixed
// attempt budget with a fixed delay between attempts. Rate-limit signals are
// tracked on a separate budget and backed off exponentially, so a throttling
// provider does not eat the transient budget. Non-transient application
// errors are never retried.
type RetryPolicy struct {
	// MaxAttempts bounds transient retries (default 3).
	MaxAttempts int
	// RetryDelay is the fixed wait between transient attempts (default 2s).
	RetryDelay time.Duration
	// MaxRateLimitRetries bounds 429 retries (default 5).
	MaxRateLimitRetries int
	// RateLimitBase seeds the exponential 429 backoff: base * 2^attempt
	// (default 2s).
	RateLimitBase time.Duration
}

// DefaultRetryPolicy returns the policy matching the provider's observed
// behavior.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		RetryDelay:          2 * time.Second,
		MaxRateLimitRetries: 5,
		RateLimitBase:       2 * time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = 2 * time.Second
	}
	if p.MaxRateLimitRetries <= 0 {
		p.MaxRateLimitRetries = 5
	}
	if p.RateLimitBase <= 0 {
		p.RateLimitBase = 2 * time.Second
	}
	return p
}

// Execute runs op under the policy. It returns the first non-retryable error
// immediately, and a CodeRetryExceeded error wrapping the last failure when a
// budget runs out.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.normalize()

	var lastErr error
	attempts := 0
	rateLimitRetries := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var coded *Error
		if !errors.As(err, &coded) {
			coded = classify(err)
		}
		if !coded.Retryable {
			return coded
		}
		lastErr = coded

		var wait time.Duration
		if coded.Code == CodeRateLimited {
			rateLimitRetries++
			if rateLimitRetries > p.MaxRateLimitRetries {
				return wrapError(CodeRetryExceeded, false, lastErr)
			}
			wait = p.RateLimitBase * (1 << uint(rateLimitRetries))
		} else {
			attempts++
			if attempts >= p.MaxAttempts {
				return wrapError(CodeRetryExceeded, false, lastErr)
			}
			wait = p.RetryDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

package backend

import (
	"context"
	"time"
)

// Retrier holds shared retry configuration for backend variants whose
// upstream SDK calls can fail transiently (rate limits, 5xx, connection
// resets).
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// NewRetrier returns a Retrier with sane defaults applied for non-positive
// fields.
func NewRetrier(maxRetries int, baseDelay time.Duration) Retrier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return Retrier{MaxRetries: maxRetries, BaseDelay: baseDelay}
}

// Do runs op, retrying with exponential backoff while isRetryable(err) is
// true, up to MaxRetries attempts. It returns the last error if all
// attempts are exhausted, or immediately on a non-retryable error or
// context cancellation.
func (r Retrier) Do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) || attempt >= r.MaxRetries {
			return err
		}
		delay := r.BaseDelay << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

package settle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the number of re-attempts after the first try.
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay is the first backoff interval.
	DefaultRetryBaseDelay = 500 * time.Millisecond
	// DefaultRetryMaxDelay caps a single backoff interval.
	DefaultRetryMaxDelay = 10 * time.Second
)

// retryJitter is the randomization factor applied to each interval.
const retryJitter = 0.25

// RetryOptions configures WithRetry. Zero values fall back to defaults.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry fires before each re-attempt with the 1-based retry number,
	// the error that triggered it and the delay about to be slept. Used
	// for observability and "retrying..." UX.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (o RetryOptions) normalized() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultRetryBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultRetryMaxDelay
	}
	return o
}

// WithRetry runs fn with exponential backoff plus jitter: the n-th retry
// waits BaseDelay * 2^(n-1), randomized by ±25%. Errors whose kind is not
// retryable (validation, user cancellation, relay rejection, open circuit,
// ...) short-circuit after the first attempt. The final error is propagated
// with its identity intact, never wrapped, so callers can match on Kind.
func WithRetry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.normalized()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = retryJitter
	bo.MaxInterval = opts.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	operation := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, delay time.Duration) {
		attempt++
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(opts.MaxRetries)), ctx)
	return backoff.RetryNotifyWithData(operation, policy, notify)
}

package settle

import (
	"context"
	"time"
)

const (
	// DefaultPollInterval is the wait between condition checks.
	DefaultPollInterval = 2 * time.Second
	// DefaultPollMaxAttempts bounds how many times the condition is
	// checked before giving up.
	DefaultPollMaxAttempts = 15
)

// PollOptions configures PollUntil. Zero values fall back to defaults.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// PollUntil checks fn every Interval until it reports done, fails with a
// non-retryable error, or the attempt budget runs out. Retryable errors
// from fn (transient network faults) count as "not done yet" and keep the
// loop alive. This is the one polling loop in the engine: settlement
// confirmation and ledger verification both sit on top of it.
//
// Terminal states: nil (condition met), the non-retryable error fn
// returned, ctx.Err() on cancellation, or KindRelayTimeout when the budget
// is exhausted.
func PollUntil(ctx context.Context, opts PollOptions, fn func(ctx context.Context) (done bool, err error)) error {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultPollMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(opts.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		done, err := fn(ctx)
		if err != nil {
			if !Retryable(err) {
				return err
			}
			lastErr = err
			continue
		}
		if done {
			return nil
		}
		lastErr = nil
	}

	return WrapError(KindRelayTimeout, "condition not met within poll budget", lastErr)
}

package settle

import (
	"context"
	"testing"
	"time"
)

func TestWithRetryNonRetryableCalledOnce(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []Kind{KindValidation, KindUserCancelled, KindRelayRejected, KindCircuitOpen, KindPayloadStale} {
		calls := 0
		want := NewError(kind, "terminal")
		_, got := WithRetry(ctx, RetryOptions{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context) (int, error) {
			calls++
			return 0, want
		})
		if calls != 1 {
			t.Errorf("%s: expected 1 call, got %d", kind, calls)
		}
		if got != want {
			t.Errorf("%s: error identity not preserved: got %v", kind, got)
		}
	}
}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()

	calls := 0
	var attempts []int
	var delays []time.Duration
	v, err := WithRetry(ctx, RetryOptions{
		MaxRetries: 3,
		BaseDelay:  4 * time.Millisecond,
		OnRetry: func(attempt int, _ error, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
	}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewError(KindNetwork, "flaky")
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("expected value ok, got %q", v)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("expected OnRetry attempts [1 2], got %v", attempts)
	}
	// Exponential growth survives ±25% jitter: the second delay's floor
	// (2·base·0.75) sits above the first delay's ceiling (base·1.25).
	if delays[1] <= delays[0] {
		t.Fatalf("expected increasing delays, got %v", delays)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	ctx := context.Background()

	calls := 0
	want := NewError(KindNetwork, "still down")
	_, got := WithRetry(ctx, RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, want
	})

	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
	if got != want {
		t.Fatalf("final error identity not preserved: got %v", got)
	}
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := WithRetry(ctx, RetryOptions{MaxRetries: 10, BaseDelay: 50 * time.Millisecond}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewError(KindNetwork, "down")
	})

	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected no further attempts after cancel, got %d", calls)
	}
}

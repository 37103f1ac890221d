package retry

import (
	"context"
	"testing"
	"time"

	apperrors "tradehook/pkg/errors"
)

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return apperrors.New(apperrors.KindExchangeTransient, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnTerminal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy, func() error {
		calls++
		return apperrors.New(apperrors.KindInvalidSize, "sized to zero")
	})
	if calls != 1 {
		t.Fatalf("terminal error retried %d times", calls)
	}
	if apperrors.KindOf(err) != apperrors.KindInvalidSize {
		t.Fatalf("classification lost: %v", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, func() error {
		calls++
		return apperrors.New(apperrors.KindExchangeThrottled, "429")
	})
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	if apperrors.KindOf(err) != apperrors.KindExchangeThrottled {
		t.Fatalf("last error should keep classification, got %v", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}, func() error {
		return apperrors.New(apperrors.KindExchangeTransient, "slow")
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := Policy{InitialBackoff: 2 * time.Second, MaxBackoff: 60 * time.Second, Jitter: 0.2}
	for attempt, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		got := p.Backoff(attempt)
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
	// Deep attempts stay capped even after jitter.
	if got := p.Backoff(30); got > 60*time.Second {
		t.Errorf("capped backoff exceeded: %v", got)
	}
}

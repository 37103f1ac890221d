package ratelimit

import (
	"context"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMinuteWindowExhaustion(t *testing.T) {
	l := NewMemoryLimiter()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.SetClock(fixedClock(base))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "wh1", 3, 100)
		if err != nil || !ok {
			t.Fatalf("request %d should pass: ok=%v err=%v", i, ok, err)
		}
	}
	ok, _ := l.Allow(ctx, "wh1", 3, 100)
	if ok {
		t.Fatal("4th request in the same minute should be rejected")
	}
}

func TestWindowBoundary(t *testing.T) {
	l := NewMemoryLimiter()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// t and t+window-1ms count against the same window.
	l.SetClock(fixedClock(base))
	ok, _ := l.Allow(ctx, "wh", 1, 0)
	if !ok {
		t.Fatal("first request should pass")
	}

	l.SetClock(fixedClock(base.Add(time.Minute - time.Millisecond)))
	ok, _ = l.Allow(ctx, "wh", 1, 0)
	if ok {
		t.Fatal("request at t+window-1ms should still be counted and rejected")
	}

	// t+window+1ms lands in a fresh window.
	l.SetClock(fixedClock(base.Add(time.Minute + time.Millisecond)))
	ok, _ = l.Allow(ctx, "wh", 1, 0)
	if !ok {
		t.Fatal("request after window reset should pass")
	}
}

func TestHourWindowIsMoreRestrictive(t *testing.T) {
	l := NewMemoryLimiter()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Generous per-minute cap, tiny per-hour cap: hour wins.
	for i := 0; i < 2; i++ {
		l.SetClock(fixedClock(base.Add(time.Duration(i) * 2 * time.Minute)))
		ok, _ := l.Allow(ctx, "wh", 100, 2)
		if !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	l.SetClock(fixedClock(base.Add(10 * time.Minute)))
	ok, _ := l.Allow(ctx, "wh", 100, 2)
	if ok {
		t.Fatal("hourly cap should reject the 3rd request")
	}
}

func TestKeysIsolated(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "a", 1, 0)
	if !ok {
		t.Fatal("first request on key a should pass")
	}
	ok, _ = l.Allow(ctx, "b", 1, 0)
	if !ok {
		t.Fatal("key b must not share key a's window")
	}
}

func TestZeroCapsDisableWindows(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ok, _ := l.Allow(ctx, "open", 0, 0)
		if !ok {
			t.Fatal("zero caps should never reject")
		}
	}
}

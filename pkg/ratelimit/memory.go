package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter applies the same fixed-window policy in process memory.
// Used by tests and single-node deployments without a shared cache.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*windowPair
	now     func() time.Time
}

type windowPair struct {
	minuteStart int64
	minuteCount int
	hourStart   int64
	hourCount   int
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*windowPair),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (l *MemoryLimiter) SetClock(now func() time.Time) { l.now = now }

// Allow implements the dual fixed-window policy.
func (l *MemoryLimiter) Allow(_ context.Context, key string, perMinute, perHour int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &windowPair{}
		l.buckets[key] = b
	}

	minute := now.Unix() / 60
	if b.minuteStart != minute {
		b.minuteStart = minute
		b.minuteCount = 0
	}
	hour := now.Unix() / 3600
	if b.hourStart != hour {
		b.hourStart = hour
		b.hourCount = 0
	}

	if perMinute > 0 && b.minuteCount >= perMinute {
		return false, nil
	}
	if perHour > 0 && b.hourCount >= perHour {
		return false, nil
	}

	b.minuteCount++
	b.hourCount++
	return true, nil
}

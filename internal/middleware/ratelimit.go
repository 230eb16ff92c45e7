package middleware

import (
	"context"
	"sync"
	"time"
)

// RateWindow is the span over which a Limiter counts attempts.
const RateWindow = time.Minute

// Decision is the outcome of one Limiter check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window frees a slot,
// never less than one.
func (d Decision) RetryAfter(now time.Time) int64 {
	secs := int64(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter counts attempts per key in a sliding RateWindow. A denied attempt
// is not recorded.
type Limiter interface {
	Check(ctx context.Context, key string, limit int) Decision
}

const (
	memorySweepEvery = 1024
	memoryMaxKeys    = 10000
)

// MemoryLimiter is the in-process Limiter used with the memory store driver.
type MemoryLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	checks int
	now    func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, key string, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.checks++
	if l.checks%memorySweepEvery == 0 || len(l.hits) > memoryMaxKeys {
		l.sweep(now)
	}

	live := prune(l.hits[key], now.Add(-RateWindow))
	reset := now.Add(RateWindow)
	if len(live) > 0 {
		reset = live[0].Add(RateWindow)
	}

	if len(live) >= limit {
		l.hits[key] = live
		return Decision{ResetAt: reset}
	}

	l.hits[key] = append(live, now)
	return Decision{Allowed: true, Remaining: limit - len(live) - 1, ResetAt: reset}
}

// sweep drops keys whose attempts have all left the window.
func (l *MemoryLimiter) sweep(now time.Time) {
	cutoff := now.Add(-RateWindow)
	for key, ts := range l.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// prune returns ts without the leading entries at or before cutoff. ts is
// kept in insertion order, so the first live entry ends the scan.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	for i, t := range ts {
		if t.After(cutoff) {
			return ts[i:]
		}
	}
	return ts[:0]
}

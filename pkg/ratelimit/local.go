package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalLimiter is an in-process token bucket per account. Suitable for
// single-worker deployments and tests; multi-worker deployments need
// RedisLimiter so all processes draw from one budget.
type LocalLimiter struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int64
	lastRefill time.Time
}

// NewLocalLimiter creates a limiter where every account gets cfg's bucket.
func NewLocalLimiter(cfg Config) *LocalLimiter {
	cfg.applyDefaults()
	return &LocalLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// SetClock overrides the clock, for refill tests.
func (l *LocalLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow consumes one token for the account if available.
func (l *LocalLimiter) Allow(_ context.Context, accountID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[accountID]
	if !ok {
		b = &bucket{tokens: l.cfg.Capacity, lastRefill: now}
		l.buckets[accountID] = b
	}

	intervals := int64(now.Sub(b.lastRefill) / l.cfg.RefillInterval)
	if intervals > 0 {
		b.tokens += intervals * l.cfg.RefillRate
		if b.tokens > l.cfg.Capacity {
			b.tokens = l.cfg.Capacity
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillInterval)
	}

	if b.tokens > 0 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}, nil
	}
	return Decision{
		Allowed: false,
		RetryAt: b.lastRefill.Add(l.cfg.RefillInterval),
	}, nil
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim    *rate.Limiter
	limit  int
	window time.Duration
}

// LocalLimiter keeps one token bucket per key in process memory. Buckets refill
// continuously at limit/window and hold at most limit tokens.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *LocalLimiter) bucketFor(key string, limit int, window time.Duration) *bucket {
	b, ok := l.buckets[key]
	if ok && b.limit == limit && b.window == window {
		return b
	}
	every := window / time.Duration(limit)
	b = &bucket{lim: rate.NewLimiter(rate.Every(every), limit), limit: limit, window: window}
	l.buckets[key] = b
	return b
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return unlimited(), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b := l.bucketFor(key, limit, window)

	res := b.lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    now.Add(delay),
			RetryAfter: delay,
		}, nil
	}
	return l.decision(b, now, true), nil
}

func (l *LocalLimiter) Peek(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return unlimited(), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.decision(l.bucketFor(key, limit, window), now, true), nil
}

func (l *LocalLimiter) decision(b *bucket, now time.Time, allowed bool) Decision {
	tokens := b.lim.TokensAt(now)
	remaining := int(tokens)
	missing := float64(b.limit) - tokens
	refill := time.Duration(missing * float64(b.window) / float64(b.limit))
	return Decision{
		Allowed:   allowed,
		Limit:     b.limit,
		Remaining: remaining,
		ResetAt:   now.Add(refill),
	}
}

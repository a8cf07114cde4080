package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests in fixed windows shared by every replica.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client, keyPrefix string) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{client: client, prefix: keyPrefix, now: time.Now}
}

func (l *RedisLimiter) windowKey(key string, start time.Time) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s", l.prefix, key, strconv.FormatInt(start.Unix(), 10))
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return unlimited(), nil
	}
	now := l.now()
	start := now.Truncate(window)
	reset := start.Add(window)
	rkey := l.windowKey(key, start)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rkey)
		p.ExpireAt(ctx, rkey, reset.Add(time.Second))
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	count := int(incr.Val())
	d := Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   reset,
	}
	if !d.Allowed {
		d.Remaining = 0
		d.RetryAfter = reset.Sub(now)
	}
	return d, nil
}

func (l *RedisLimiter) Peek(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return unlimited(), nil
	}
	now := l.now()
	start := now.Truncate(window)
	count, err := l.client.Get(ctx, l.windowKey(key, start)).Int()
	if err != nil && err != redis.Nil {
		return Decision{}, fmt.Errorf("rate limit peek: %w", err)
	}
	return Decision{
		Allowed:   count < limit,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   start.Add(window),
	}, nil
}

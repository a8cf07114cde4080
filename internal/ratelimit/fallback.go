package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Fallback uses Primary and falls back to Secondary when Primary errors, so a
// Redis outage degrades to per-replica limits instead of rejecting traffic.
type Fallback struct {
	Primary   Limiter
	Secondary Limiter
	Logger    *slog.Logger
}

func (f Fallback) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if f.Primary != nil {
		d, err := f.Primary.Allow(ctx, key, limit, window)
		if err == nil {
			return d, nil
		}
		if f.Logger != nil {
			f.Logger.WarnContext(ctx, "rate limiter degraded", "key", key, "error", err)
		}
	}
	return f.Secondary.Allow(ctx, key, limit, window)
}

func (f Fallback) Peek(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if p, ok := f.Primary.(Peeker); ok && f.Primary != nil {
		if d, err := p.Peek(ctx, key, limit, window); err == nil {
			return d, nil
		}
	}
	if p, ok := f.Secondary.(Peeker); ok {
		return p.Peek(ctx, key, limit, window)
	}
	return unlimited(), nil
}

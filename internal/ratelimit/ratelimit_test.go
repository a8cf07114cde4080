package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalLimiterDeniesAfterBudget(t *testing.T) {
	l := NewLocalLimiter()
	now := time.Unix(1_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "wf-1", 3, time.Minute)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d denied: %+v err=%v", i, d, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("remaining = %d, want %d", d.Remaining, 2-i)
		}
	}
	d, _ := l.Allow(ctx, "wf-1", 3, time.Minute)
	if d.Allowed {
		t.Fatalf("fourth request should be denied")
	}
	if d.RetryAfter < 19*time.Second || d.RetryAfter > 21*time.Second {
		t.Fatalf("retry after = %v, want ~20s", d.RetryAfter)
	}

	other, _ := l.Allow(ctx, "wf-2", 3, time.Minute)
	if !other.Allowed {
		t.Fatalf("keys must be independent")
	}

	now = now.Add(21 * time.Second)
	if d, _ := l.Allow(ctx, "wf-1", 3, time.Minute); !d.Allowed {
		t.Fatalf("expected a token after refill")
	}
}

func TestUnlimited(t *testing.T) {
	d, err := NewLocalLimiter().Allow(context.Background(), "k", 0, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("limit 0 must be unlimited")
	}
	h := http.Header{}
	SetHeaders(h, d)
	if h.Get(HeaderLimit) != "" {
		t.Fatalf("unlimited decisions carry no headers")
	}
}

func TestSetHeaders(t *testing.T) {
	h := http.Header{}
	SetHeaders(h, Decision{Allowed: false, Limit: 10, Remaining: 0, ResetAt: time.Unix(1700000000, 0), RetryAfter: 1500 * time.Millisecond})
	if h.Get("x-ratelimit-limit") != "10" || h.Get("x-ratelimit-remaining") != "0" || h.Get("x-ratelimit-reset") != "1700000000" {
		t.Fatalf("headers = %v", h)
	}
	if h.Get("retry-after") != "2" {
		t.Fatalf("retry-after = %q, want 2", h.Get("retry-after"))
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func TestFallbackUsesSecondary(t *testing.T) {
	f := Fallback{Primary: failingLimiter{}, Secondary: NewLocalLimiter()}
	d, err := f.Allow(context.Background(), "k", 1, time.Minute)
	if err != nil || !d.Allowed {
		t.Fatalf("expected local fallback to admit, got %+v err=%v", d, err)
	}
	d, _ = f.Allow(context.Background(), "k", 1, time.Minute)
	if d.Allowed {
		t.Fatalf("expected local fallback to enforce the limit")
	}
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	l := NewRedisLimiter(client, "test-"+time.Now().Format("150405.000000"))
	now := time.Unix(2_000_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if d, err := l.Allow(ctx, "k", 2, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v err=%v", i, d, err)
		}
	}
	d, err := l.Allow(ctx, "k", 2, time.Minute)
	if err != nil || d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("expected denial with retry-after, got %+v err=%v", d, err)
	}
}

// Package ratelimit admits requests per key within a rolling budget. The local
// limiter uses token buckets; the Redis limiter shares a fixed window across
// engine replicas.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
)

// Header names follow the public client's expectations.
const (
	HeaderLimit      = "X-Ratelimit-Limit"
	HeaderRemaining  = "X-Ratelimit-Remaining"
	HeaderReset      = "X-Ratelimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits one request for key against limit per window. A limit <= 0
// is unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Peeker reports the current budget without consuming it.
type Peeker interface {
	Peek(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

type Config struct {
	Window            time.Duration
	WebhookPerMinute  int
	WorkflowPerMinute int
	SyncPerMinute     int
	AsyncPerMinute    int
	UseRedis          bool
	RedisFailOpen     bool
}

func ConfigFromEnv() (Config, error) {
	window, err := env.Duration("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return Config{}, err
	}
	webhook, err := env.Int("WEBHOOK_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return Config{}, err
	}
	workflow, err := env.Int("WORKFLOW_RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		return Config{}, err
	}
	syncLimit, err := env.Int("API_SYNC_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return Config{}, err
	}
	asyncLimit, err := env.Int("API_ASYNC_RATE_LIMIT_PER_MINUTE", 200)
	if err != nil {
		return Config{}, err
	}
	useRedis, err := env.Bool("RATE_LIMIT_USE_REDIS", true)
	if err != nil {
		return Config{}, err
	}
	failOpen, err := env.Bool("RATE_LIMIT_FAIL_OPEN", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Window:            window,
		WebhookPerMinute:  webhook,
		WorkflowPerMinute: workflow,
		SyncPerMinute:     syncLimit,
		AsyncPerMinute:    asyncLimit,
		UseRedis:          useRedis,
		RedisFailOpen:     failOpen,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func DefaultConfig() Config {
	return Config{
		Window:            time.Minute,
		WebhookPerMinute:  60,
		WorkflowPerMinute: 120,
		SyncPerMinute:     60,
		AsyncPerMinute:    200,
		RedisFailOpen:     true,
	}
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	if c.WebhookPerMinute < 0 || c.WorkflowPerMinute < 0 || c.SyncPerMinute < 0 || c.AsyncPerMinute < 0 {
		return errors.New("rate limits must be >= 0")
	}
	return nil
}

// SetHeaders writes the x-ratelimit-* headers, plus retry-after when denied.
func SetHeaders(h http.Header, d Decision) {
	if d.Limit <= 0 {
		return
	}
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	}
}

// RetryAfterSeconds rounds up and never returns less than one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func unlimited() Decision {
	return Decision{Allowed: true, Limit: 0, Remaining: math.MaxInt32}
}

// Package redisclient opens the shared Redis connection used for cancellation flags,
// execution event buffers and distributed rate limiting.
//
// Redis is optional. An empty REDIS_URL disables it and callers fall back to
// in-process implementations.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL          string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func ConfigFromEnv() (Config, error) {
	dialTimeout, err := env.Duration("REDIS_DIAL_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	readTimeout, err := env.Duration("REDIS_READ_TIMEOUT", time.Second)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := env.Duration("REDIS_WRITE_TIMEOUT", time.Second)
	if err != nil {
		return Config{}, err
	}
	poolSize, err := env.Int("REDIS_POOL_SIZE", 20)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := env.Duration("REDIS_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:          strings.TrimSpace(env.String("REDIS_URL", "")),
		KeyPrefix:    strings.TrimSpace(env.String("REDIS_KEY_PREFIX", "blockflow")),
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     poolSize,
		PingTimeout:  pingTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		return errors.New("REDIS_KEY_PREFIX is required when REDIS_URL is set")
	}
	if c.PoolSize < 1 {
		return errors.New("REDIS_POOL_SIZE must be >= 1")
	}
	if c.PingTimeout <= 0 {
		return errors.New("REDIS_PING_TIMEOUT must be positive")
	}
	return nil
}

// Open returns nil, nil when Redis is not configured.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}

// Key joins the configured prefix and parts with ':'.
func (c Config) Key(parts ...string) string {
	return strings.Join(append([]string{c.KeyPrefix}, parts...), ":")
}

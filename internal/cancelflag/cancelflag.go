// Package cancelflag stores per-execution cancellation requests that running
// executions poll between blocks.
package cancelflag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Hour

// Store is a keyed boolean with a short TTL. Available reports whether the
// flag is visible to other processes.
type Store interface {
	Set(ctx context.Context, executionID string) error
	IsSet(ctx context.Context, executionID string) (bool, error)
	Available() bool
}

// MemoryStore only reaches executions running in this process.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	flags map[string]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, flags: make(map[string]time.Time)}
}

func (s *MemoryStore) Set(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[executionID] = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) IsSet(_ context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.flags[executionID]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.flags, executionID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Available() bool { return false }

type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(keyPrefix, ":"), ttl: ttl}
}

func (s *RedisStore) key(executionID string) string {
	return s.prefix + ":cancel:" + executionID
}

func (s *RedisStore) Set(ctx context.Context, executionID string) error {
	if err := s.client.Set(ctx, s.key(executionID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

func (s *RedisStore) IsSet(ctx context.Context, executionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(executionID)).Result()
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Available() bool { return s.client != nil }

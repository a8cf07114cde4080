// Package syncqueue admits inline executions up to a fixed ceiling and
// rejects the rest immediately.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
)

var (
	ErrCapacityExceeded     = errors.New("sync execution capacity exceeded")
	ErrUserCapacityExceeded = errors.New("sync execution per-user capacity exceeded")
)

// Health levels reported by Stats.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

type Config struct {
	MaxConcurrent  int
	PerUserMax     int
	DefaultTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxConcurrent, err := env.Int("SYNC_MAX_CONCURRENT", 50)
	if err != nil {
		return Config{}, err
	}
	perUser, err := env.Int("SYNC_PER_USER_MAX", 5)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("SYNC_EXECUTION_TIMEOUT", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{MaxConcurrent: maxConcurrent, PerUserMax: perUser, DefaultTimeout: timeout}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return errors.New("SYNC_MAX_CONCURRENT must be positive")
	}
	if c.PerUserMax <= 0 {
		return errors.New("SYNC_PER_USER_MAX must be positive")
	}
	if c.DefaultTimeout <= 0 {
		return errors.New("SYNC_EXECUTION_TIMEOUT must be positive")
	}
	return nil
}

type Stats struct {
	Active      int     `json:"active"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
	Health      string  `json:"health"`
}

// Pool bounds concurrent inline executions globally and per user.
type Pool struct {
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  int
	perUser map[string]int
}

func New(cfg Config, m *metrics.Metrics) *Pool {
	return &Pool{cfg: cfg, metrics: m, perUser: make(map[string]int)}
}

// Run executes fn inline when a slot is free. It never waits for a slot. The
// context passed to fn is cancelled after timeout, or DefaultTimeout when
// timeout is zero.
func (p *Pool) Run(ctx context.Context, userID string, timeout time.Duration, fn func(context.Context) error) error {
	userID = strings.TrimSpace(userID)
	if err := p.acquire(userID); err != nil {
		return err
	}
	defer p.release(userID)

	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return p.call(runCtx, fn)
}

func (p *Pool) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sync execution panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

func (p *Pool) acquire(userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active >= p.cfg.MaxConcurrent {
		p.metrics.SyncRejected("capacity")
		return ErrCapacityExceeded
	}
	if userID != "" && p.perUser[userID] >= p.cfg.PerUserMax {
		p.metrics.SyncRejected("per_user")
		return ErrUserCapacityExceeded
	}
	p.active++
	if userID != "" {
		p.perUser[userID]++
	}
	p.metrics.SetSyncActive(p.active)
	return nil
}

func (p *Pool) release(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	if userID != "" {
		p.perUser[userID]--
		if p.perUser[userID] <= 0 {
			delete(p.perUser, userID)
		}
	}
	p.metrics.SetSyncActive(p.active)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	capacity := p.cfg.MaxConcurrent
	var utilization float64
	if capacity > 0 {
		utilization = float64(active) / float64(capacity)
	}
	return Stats{
		Active:      active,
		Capacity:    capacity,
		Utilization: utilization,
		Health:      HealthFor(utilization),
	}
}

// HealthFor classifies utilization. It is a reporting signal only.
func HealthFor(utilization float64) string {
	switch {
	case utilization > 0.9:
		return HealthCritical
	case utilization > 0.7:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// Package eventstream keeps a bounded, cursor-addressable log of events per
// execution so clients can reconnect and replay what they missed.
package eventstream

import (
	"context"
	"errors"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
)

// ErrNotFound is returned for executions that were never buffered or whose
// buffer has expired.
var ErrNotFound = errors.New("execution buffer not found")

// Buffer is an append-only event log keyed by execution id. Event ids start at
// 1 and increase by one per Append.
type Buffer interface {
	Create(ctx context.Context, meta domain.ExecutionMeta) error
	Append(ctx context.Context, executionID string, event domain.ExecutionEvent) (int64, error)
	ReadAfter(ctx context.Context, executionID string, from int64, limit int) ([]domain.ExecutionEvent, error)
	Meta(ctx context.Context, executionID string) (domain.ExecutionMeta, error)
	SetStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error
}

type Config struct {
	MaxEvents   int
	ActiveTTL   time.Duration
	TerminalTTL time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxEvents, err := env.Int("EXECUTION_BUFFER_MAX_EVENTS", 1000)
	if err != nil {
		return Config{}, err
	}
	activeTTL, err := env.Duration("EXECUTION_BUFFER_ACTIVE_TTL", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	terminalTTL, err := env.Duration("EXECUTION_BUFFER_TERMINAL_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{MaxEvents: maxEvents, ActiveTTL: activeTTL, TerminalTTL: terminalTTL}
	return cfg, cfg.Validate()
}

func DefaultConfig() Config {
	return Config{MaxEvents: 1000, ActiveTTL: 24 * time.Hour, TerminalTTL: time.Hour}
}

func (c Config) Validate() error {
	if c.MaxEvents < 1 {
		return errors.New("EXECUTION_BUFFER_MAX_EVENTS must be >= 1")
	}
	if c.ActiveTTL <= 0 || c.TerminalTTL <= 0 {
		return errors.New("execution buffer TTLs must be positive")
	}
	return nil
}

var errMissingID = errors.New("execution id is required")

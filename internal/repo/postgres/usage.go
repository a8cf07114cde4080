package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

const (
	incrementUsageQuery = `INSERT INTO usage_counters (user_id, period, executions, updated_at)
	 VALUES ($1, $2, 1, now())
	 ON CONFLICT (user_id, period) DO UPDATE
	 SET executions = usage_counters.executions + 1, updated_at = now()
	 RETURNING executions`

	selectUsageQuery = `SELECT executions FROM usage_counters WHERE user_id = $1 AND period = $2`
)

type UsageStore struct {
	db DB
}

func NewUsageStore(db DB) *UsageStore {
	if db == nil {
		return nil
	}
	return &UsageStore{db: db}
}

var _ repo.UsageRepository = (*UsageStore)(nil)

func (s *UsageStore) Increment(ctx context.Context, userID, period string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("usage store not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, incrementUsageQuery, strings.TrimSpace(userID), strings.TrimSpace(period)).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return n, nil
}

func (s *UsageStore) Get(ctx context.Context, userID, period string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("usage store not initialized")
	}
	var n int
	err := s.db.QueryRowContext(ctx, selectUsageQuery, strings.TrimSpace(userID), strings.TrimSpace(period)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return n, nil
}

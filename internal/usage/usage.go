// Package usage enforces account-level execution ceilings from the limits
// policy and reports current consumption.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

type Config struct {
	PolicyPath string
}

func ConfigFromEnv() Config {
	return Config{PolicyPath: strings.TrimSpace(env.String("LIMITS_CONFIG_PATH", ""))}
}

// Period is the billing period key (YYYY-MM, UTC).
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type Status struct {
	Plan      string    `json:"plan"`
	Limit     int       `json:"limit"`
	Used      int       `json:"currentPeriodCost"`
	Remaining int       `json:"remaining"`
	Period    string    `json:"period"`
	ResetAt   time.Time `json:"resetAt"`
	Exceeded  bool      `json:"isExceeded"`
}

type Tracker struct {
	policy   Policy
	counters repo.UsageRepository
	now      func() time.Time
}

func NewTracker(policy Policy, counters repo.UsageRepository) *Tracker {
	return &Tracker{policy: policy, counters: counters, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) Policy() Policy {
	return t.policy
}

func (t *Tracker) Status(ctx context.Context, userID string) (Status, error) {
	now := t.now()
	name, plan := t.policy.PlanFor(userID)
	used, err := t.counters.Get(ctx, userID, Period(now))
	if err != nil {
		return Status{}, fmt.Errorf("read usage: %w", err)
	}
	return buildStatus(name, plan, used, now), nil
}

func buildStatus(name string, plan Plan, used int, now time.Time) Status {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	st := Status{
		Plan:    name,
		Limit:   plan.MonthlyExecutions,
		Used:    used,
		Period:  Period(now),
		ResetAt: first.AddDate(0, 1, 0),
	}
	if plan.MonthlyExecutions > 0 {
		st.Remaining = max(plan.MonthlyExecutions-used, 0)
		st.Exceeded = used >= plan.MonthlyExecutions
	} else {
		st.Remaining = -1
	}
	return st
}

// Check rejects the user once the monthly ceiling is reached.
func (t *Tracker) Check(ctx context.Context, userID string) error {
	st, err := t.Status(ctx, userID)
	if err != nil {
		return err
	}
	if st.Exceeded {
		return &apperr.Error{
			Kind:    apperr.KindUsageLimit,
			Code:    "usage_limit_exceeded",
			Message: fmt.Sprintf("monthly execution limit of %d reached", st.Limit),
		}
	}
	return nil
}

// Record counts one admitted execution.
func (t *Tracker) Record(ctx context.Context, userID string) (int, error) {
	return t.counters.Increment(ctx, userID, Period(t.now()))
}

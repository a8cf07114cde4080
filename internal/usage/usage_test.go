package usage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
)

const samplePolicy = `
schema: blockflow.limits.v1
default_plan: free
plans:
  free:
    monthly_executions: 2
    sync_per_minute: 5
    async_per_minute: 10
  team:
    monthly_executions: 0
users:
  user-team: team
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	name, plan := p.PlanFor("someone")
	if name != "free" || plan.MonthlyExecutions != 2 || plan.SyncPerMinute != 5 {
		t.Fatalf("default plan = %s %+v", name, plan)
	}
	if name, _ := p.PlanFor("user-team"); name != "team" {
		t.Fatalf("assigned plan = %s", name)
	}
}

func TestPolicyValidation(t *testing.T) {
	cases := map[string]string{
		"schema":       "schema: other\ndefault_plan: a\nplans: {a: {}}\n",
		"default plan": "schema: blockflow.limits.v1\ndefault_plan: missing\nplans: {a: {}}\n",
		"user plan":    "schema: blockflow.limits.v1\ndefault_plan: a\nplans: {a: {}}\nusers: {u: b}\n",
		"negative":     "schema: blockflow.limits.v1\ndefault_plan: a\nplans: {a: {monthly_executions: -1}}\n",
	}
	for name, doc := range cases {
		if _, err := ParsePolicy([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil || len(p.Plans) != 2 {
		t.Fatalf("load: %+v err=%v", p, err)
	}
	def, err := LoadPolicy("")
	if err != nil || def.DefaultPlan != "free" {
		t.Fatalf("default policy: %+v err=%v", def, err)
	}
}

func TestTrackerEnforcesMonthlyCeiling(t *testing.T) {
	p, _ := ParsePolicy([]byte(samplePolicy))
	tr := NewTracker(p, memory.NewUsageStore())
	now := time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := tr.Check(ctx, "u1"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if _, err := tr.Record(ctx, "u1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	err := tr.Check(ctx, "u1")
	if apperr.KindOf(err) != apperr.KindUsageLimit {
		t.Fatalf("expected usage limit error, got %v", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Status() != 402 || ae.Code != "usage_limit_exceeded" {
		t.Fatalf("unexpected error %+v", ae)
	}

	st, _ := tr.Status(ctx, "u1")
	if st.Remaining != 0 || !st.ResetAt.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("status = %+v", st)
	}

	now = now.Add(2 * time.Hour)
	if err := tr.Check(ctx, "u1"); err != nil {
		t.Fatalf("new period should reset usage: %v", err)
	}
	if err := tr.Check(ctx, "user-team"); err != nil {
		t.Fatalf("unlimited plan: %v", err)
	}
}

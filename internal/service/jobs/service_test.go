package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
	"github.com/blockflow-labs/blockflow-go/internal/storage/outputs"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type captureAudit struct {
	events []auditlog.Event
}

func (c *captureAudit) Record(_ context.Context, e auditlog.Event) error {
	c.events = append(c.events, e)
	return nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.JobStore, *fakeClock) {
	t.Helper()
	store := memory.NewJobStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc := New(store, DefaultConfig(), opts...)
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
	return svc, store, clock
}

func enqueue(t *testing.T, svc *Service, clock *fakeClock, user string) domain.Job {
	t.Helper()
	res, err := svc.Enqueue(context.Background(), EnqueueRequest{UserID: user, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.Advance(time.Second)
	return res.Job
}

func TestEnqueuePositionAndDefaultEstimate(t *testing.T) {
	svc, _, clock := newTestService(t)
	start := clock.Now()

	first := enqueue(t, svc, clock, "u1")
	second := enqueue(t, svc, clock, "u1")
	third := enqueue(t, svc, clock, "u1")

	if first.Position != 0 || second.Position != 1 || third.Position != 2 {
		t.Fatalf("positions = %d,%d,%d", first.Position, second.Position, third.Position)
	}
	wantETA := start.Add(2*time.Second + 2*DefaultEstimate)
	if third.EstimatedStartTime == nil || !third.EstimatedStartTime.Equal(wantETA) {
		t.Fatalf("eta = %v, want %v", third.EstimatedStartTime, wantETA)
	}
	if first.Status != domain.JobStatusPending || first.TriggerType != domain.TriggerAPI {
		t.Fatalf("unexpected job %+v", first)
	}
}

func TestEstimateUsesRecentDurations(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	done := enqueue(t, svc, clock, "u1")
	claimed, ok, err := svc.Claim(ctx, "w1")
	if err != nil || !ok || claimed.ID != done.ID {
		t.Fatalf("claim: %v ok=%v", err, ok)
	}
	clock.Advance(10 * time.Second)
	if err := svc.Complete(ctx, claimed, "w1", domain.Metadata{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_ = enqueue(t, svc, clock, "u1")
	now := clock.Now()
	second := enqueue(t, svc, clock, "u1")
	if second.Position != 1 {
		t.Fatalf("position = %d", second.Position)
	}
	if want := now.Add(10 * time.Second); !second.EstimatedStartTime.Equal(want) {
		t.Fatalf("eta = %v, want %v", second.EstimatedStartTime, want)
	}
}

func TestPositionRecomputedOnRead(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	jobs := []domain.Job{
		enqueue(t, svc, clock, "u1"),
		enqueue(t, svc, clock, "u1"),
		enqueue(t, svc, clock, "u1"),
	}
	if ok, err := svc.Cancel(ctx, "u1", jobs[0].ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	got, err := svc.Get(ctx, "u1", jobs[2].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Position != 1 {
		t.Fatalf("position after cancel = %d, want 1", got.Position)
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	req := EnqueueRequest{UserID: "u1", WorkflowID: "wf-1", IdempotencyKey: "delivery-1", TriggerType: domain.TriggerWebhook}

	first, err := svc.Enqueue(ctx, req)
	if err != nil || first.Duplicate {
		t.Fatalf("first enqueue: %+v err=%v", first, err)
	}
	second, err := svc.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !second.Duplicate || second.Job.ID != first.Job.ID || second.Job.ExecutionID != first.Job.ExecutionID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Job.ID, second)
	}
	counts, _ := store.CountByStatus(ctx, "")
	if counts.Total() != 1 {
		t.Fatalf("expected one stored job, got %d", counts.Total())
	}
}

func TestCancelRules(t *testing.T) {
	audit := &captureAudit{}
	svc, _, clock := newTestService(t, WithAudit(audit))
	ctx := context.Background()

	pending := enqueue(t, svc, clock, "owner")
	if ok, _ := svc.Cancel(ctx, "intruder", pending.ID); ok {
		t.Fatalf("non-owner cancel must fail")
	}
	if ok, _ := svc.Cancel(ctx, "owner", "missing"); ok {
		t.Fatalf("unknown job cancel must fail")
	}
	if ok, _ := svc.Cancel(ctx, "owner", pending.ID); !ok {
		t.Fatalf("owner cancel of pending job must succeed")
	}
	if ok, _ := svc.Cancel(ctx, "owner", pending.ID); ok {
		t.Fatalf("cancelled job cannot be cancelled again")
	}

	running := enqueue(t, svc, clock, "owner")
	if _, ok, _ := svc.Claim(ctx, "w1"); !ok {
		t.Fatalf("claim failed")
	}
	if ok, _ := svc.Cancel(ctx, "owner", running.ID); ok {
		t.Fatalf("processing job cannot be cancelled")
	}
	if len(audit.events) != 1 || audit.events[0].Action != auditlog.ActionJobCancelled {
		t.Fatalf("expected a single cancel audit event, got %+v", audit.events)
	}
}

func TestGetScopedToOwner(t *testing.T) {
	svc, _, clock := newTestService(t)
	job := enqueue(t, svc, clock, "owner")
	_, err := svc.Get(context.Background(), "other", job.ID)
	if !errors.Is(err, apperr.NotFound()) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCleanupDeletesByAge(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	old := enqueue(t, svc, clock, "u1")
	claimed, _, _ := svc.Claim(ctx, "w")
	_ = svc.Fail(ctx, claimed, "w", "boom")
	clock.Advance(48 * time.Hour)
	fresh := enqueue(t, svc, clock, "u1")

	n, err := svc.Cleanup(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("cleanup deleted %d err=%v", n, err)
	}
	if _, err := store.GetByID(ctx, old.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("old job should be gone")
	}
	if _, err := store.GetByID(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh job should remain: %v", err)
	}
}

func TestCompleteAfterLeaseLossConflicts(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	_ = enqueue(t, svc, clock, "u1")
	job, _, _ := svc.Claim(ctx, "w1")

	clock.Advance(svc.Config().Lease + time.Second)
	reaped, err := svc.Reap(ctx)
	if err != nil || len(reaped) != 1 {
		t.Fatalf("reap: %v %d", err, len(reaped))
	}
	if err := svc.Complete(ctx, job, "w1", domain.Metadata{}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := svc.Get(ctx, "u1", job.ID)
	if got.Status != domain.JobStatusFailed || got.Error != "lease_expired" {
		t.Fatalf("job = %s %q", got.Status, got.Error)
	}
}

func TestLargeOutputRoundTripsThroughObjectStore(t *testing.T) {
	store := outputs.NewStore(outputs.NewMemoryBlob(), outputs.Config{InlineLimit: 32})
	svc, _, clock := newTestService(t, WithOutputs(store))
	ctx := context.Background()
	_ = enqueue(t, svc, clock, "u1")
	job, _, _ := svc.Claim(ctx, "w1")

	big := domain.Metadata{"text": strings.Repeat("a", 100)}
	if err := svc.Complete(ctx, job, "w1", big); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := svc.Get(ctx, "u1", job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OutputRef == "" || got.Output["text"] != big["text"] {
		t.Fatalf("expected offloaded output to be inlined on read, got ref=%q output=%v", got.OutputRef, got.Output)
	}
}

func TestListValidatesStatus(t *testing.T) {
	svc, _, clock := newTestService(t)
	_ = enqueue(t, svc, clock, "u1")
	if _, err := svc.ListForUser(context.Background(), ListRequest{UserID: "u1", Status: "weird"}); !errors.Is(err, &apperr.Error{Kind: apperr.KindValidation}) {
		t.Fatalf("expected validation error, got %v", err)
	}
	res, err := svc.ListForUser(context.Background(), ListRequest{UserID: "u1", Limit: 1000})
	if err != nil || res.Total != 1 || res.Limit != maxListLimit {
		t.Fatalf("list = %+v err=%v", res, err)
	}
}

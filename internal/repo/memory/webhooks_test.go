package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

func TestWebhookCredentialSetDelete(t *testing.T) {
	store := NewWebhookStore()
	ctx := context.Background()
	for _, w := range []domain.Webhook{
		{ID: "w1", WorkflowID: "wf", BlockID: "b", Path: "p1", CredentialSetID: "set", IsActive: true},
		{ID: "w2", WorkflowID: "wf", BlockID: "b", Path: "p2", CredentialSetID: "set", IsActive: true},
		{ID: "w3", WorkflowID: "wf", BlockID: "b", Path: "p3", IsActive: true},
	} {
		if err := store.Create(ctx, w); err != nil {
			t.Fatalf("create %s: %v", w.ID, err)
		}
	}
	if err := store.Create(ctx, domain.Webhook{ID: "w4", WorkflowID: "wf", BlockID: "b", Path: "p1"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected path conflict, got %v", err)
	}
	n, err := store.Delete(ctx, "w1")
	if err != nil || n != 2 {
		t.Fatalf("delete = %d err=%v", n, err)
	}
	if _, err := store.GetByPath(ctx, "p2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected sibling to be deleted")
	}
	if _, err := store.GetByPath(ctx, "p3"); err != nil {
		t.Fatalf("unrelated webhook removed: %v", err)
	}
}

func TestWebhookFailureDeactivates(t *testing.T) {
	store := NewWebhookStore()
	ctx := context.Background()
	_ = store.Create(ctx, domain.Webhook{ID: "w", WorkflowID: "wf", BlockID: "b", Path: "p", IsActive: true})
	for i := 1; i <= 3; i++ {
		n, err := store.RecordFailure(ctx, "w", time.Unix(int64(i), 0), 3)
		if err != nil || n != i {
			t.Fatalf("failure %d: n=%d err=%v", i, n, err)
		}
	}
	w, _ := store.Get(ctx, "w")
	if w.IsActive {
		t.Fatalf("expected webhook to be deactivated")
	}
	_ = store.ResetFailures(ctx, "w")
	w, _ = store.Get(ctx, "w")
	if w.FailedCount != 0 || w.LastFailedAt != nil {
		t.Fatalf("expected reset, got %+v", w)
	}
}

package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
)

func simpleGraph() domain.Graph {
	return domain.Graph{
		Blocks: map[string]domain.Block{
			"start": {ID: "start", Type: "starter", Name: "Start"},
			"out":   {ID: "out", Type: "response", Name: "Out"},
		},
		Edges: []domain.Edge{{Source: "start", Target: "out"}},
	}
}

func newService(t *testing.T) (*Service, *memory.WorkflowStore, *memory.PermissionStore) {
	t.Helper()
	store := memory.NewWorkflowStore()
	perms := memory.NewPermissionStore()
	if err := store.Create(context.Background(), domain.Workflow{ID: "wf-1", UserID: "owner", DraftState: simpleGraph()}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return New(store, perms, nil, nil), store, perms
}

func TestAuthorizeRoles(t *testing.T) {
	t.Parallel()

	svc, _, perms := newService(t)
	ctx := context.Background()

	if _, err := svc.Authorize(ctx, "wf-1", "owner", auth.RoleAdmin); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := svc.Authorize(ctx, "wf-1", "stranger", auth.RoleViewer); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("stranger err=%v", err)
	}
	if err := perms.Grant(ctx, "wf-1", "reader", auth.RoleViewer); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := svc.Authorize(ctx, "wf-1", "reader", auth.RoleViewer); err != nil {
		t.Fatalf("reader view: %v", err)
	}
	if _, err := svc.Authorize(ctx, "wf-1", "reader", auth.RoleEditor); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("reader edit err=%v", err)
	}
	if _, err := svc.Authorize(ctx, "missing", "owner", auth.RoleViewer); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("missing err=%v", err)
	}
}

func TestDeployAndStatus(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t)
	ctx := context.Background()
	deployedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return deployedAt }

	w, err := svc.Deploy(ctx, "wf-1", "owner", nil)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	st := StatusOf(w)
	if !st.IsDeployed || st.DeployedAt == nil || !st.DeployedAt.Equal(deployedAt) || st.NeedsRedeployment {
		t.Fatalf("status=%+v", st)
	}
	if _, err := Deployed(w); err != nil {
		t.Fatalf("Deployed: %v", err)
	}

	if err := store.UpdateDraft(ctx, "wf-1", simpleGraph(), deployedAt.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	w, _ = svc.Get(ctx, "wf-1")
	if !StatusOf(w).NeedsRedeployment {
		t.Fatalf("expected needsRedeployment after draft edit")
	}
}

func TestDeployRejectsInvalidGraph(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	bad := domain.Graph{
		Blocks: map[string]domain.Block{"a": {ID: "a", Type: "starter"}},
		Edges:  []domain.Edge{{Source: "a", Target: "ghost"}},
	}
	_, err := svc.Deploy(context.Background(), "wf-1", "owner", &bad)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != "invalid_graph" || len(appErr.Details) == 0 {
		t.Fatalf("err=%v", err)
	}
}

func TestDeployedRequiresSnapshot(t *testing.T) {
	t.Parallel()

	_, err := Deployed(domain.Workflow{ID: "wf"})
	if apperr.KindOf(err) != apperr.KindDeploymentMismatch {
		t.Fatalf("err=%v", err)
	}
}

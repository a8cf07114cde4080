package executions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/cancelflag"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/execution/runtime"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
)

type brokenFlags struct{}

func (brokenFlags) Set(context.Context, string) error            { return errors.New("redis down") }
func (brokenFlags) IsSet(context.Context, string) (bool, error) { return false, nil }
func (brokenFlags) Available() bool                              { return true }

func deployed() domain.Workflow {
	g := domain.Graph{
		Blocks: map[string]domain.Block{
			"start": {ID: "start", Type: domain.BlockTypeStarter},
			"reply": {ID: "reply", Type: domain.BlockTypeResponse, SubBlocks: map[string]any{"data": "{{start.name}}"}},
		},
		Edges: []domain.Edge{{Source: "start", Target: "reply"}},
	}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return domain.Workflow{ID: "wf-1", UserID: "u1", IsDeployed: true, DeployedAt: &at, DeployedState: &g, DraftState: g}
}

func newService(flags cancelflag.Store, local *cancelflag.Registry) (*Service, *memory.ExecutionLogStore) {
	logs := memory.NewExecutionLogStore()
	exec := runtime.NewExecutor(runtime.DefaultRegistry(nil), eventstream.NewMemoryBuffer(eventstream.DefaultConfig()), flags, local, nil, nil, runtime.Config{})
	return New(Deps{Executor: exec, Logs: logs, Flags: flags, Local: local}), logs
}

func TestRunWritesExecutionLog(t *testing.T) {
	t.Parallel()

	svc, logs := newService(cancelflag.NewMemoryStore(time.Hour), cancelflag.NewRegistry())
	res, err := svc.Run(context.Background(), RunRequest{
		ExecutionID: "exec-1",
		JobID:       "job-1",
		Workflow:    deployed(),
		UserID:      "u1",
		TriggerType: domain.TriggerAPI,
		Input:       domain.Metadata{"name": "ada"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.ExecutionComplete || res.Output["data"] != "ada" {
		t.Fatalf("res=%+v", res)
	}
	entry, err := logs.Get(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Get log: %v", err)
	}
	if entry.Status != domain.ExecutionComplete || entry.JobID != "job-1" || entry.EndedAt == nil {
		t.Fatalf("log=%+v", entry)
	}
}

func TestRunRejectsUndeployedWorkflow(t *testing.T) {
	t.Parallel()

	svc, _ := newService(cancelflag.NewMemoryStore(time.Hour), nil)
	w := deployed()
	w.IsDeployed = false
	_, err := svc.Run(context.Background(), RunRequest{ExecutionID: "e", Workflow: w})
	if apperr.KindOf(err) != apperr.KindDeploymentMismatch {
		t.Fatalf("err=%v", err)
	}
}

func TestCancelFallsBackToLocalRegistry(t *testing.T) {
	t.Parallel()

	local := cancelflag.NewRegistry()
	svc, _ := newService(brokenFlags{}, local)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unregister := local.Register("exec-9", cancel)
	defer unregister()

	res, err := svc.Cancel(context.Background(), "exec-9", "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Success || res.FlagStoreAvailable {
		t.Fatalf("res=%+v", res)
	}
	if ctx.Err() == nil {
		t.Fatalf("expected local context to be cancelled")
	}

	if _, err := svc.Cancel(context.Background(), "unknown", "u1"); apperr.KindOf(err) != apperr.KindUnavailable {
		t.Fatalf("err=%v", err)
	}
}

func TestCancelSetsSharedFlag(t *testing.T) {
	t.Parallel()

	flags := cancelflag.NewMemoryStore(time.Hour)
	svc, _ := newService(flags, nil)
	res, err := svc.Cancel(context.Background(), "exec-2", "u1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Success || res.FlagStoreAvailable != flags.Available() {
		t.Fatalf("res=%+v", res)
	}
	set, _ := flags.IsSet(context.Background(), "exec-2")
	if !set {
		t.Fatalf("expected flag set")
	}
}

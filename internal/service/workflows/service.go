// Package workflows resolves workflow access and manages deployment snapshots.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

type Service struct {
	workflows   repo.WorkflowRepository
	permissions repo.PermissionRepository
	audit       auditlog.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

func New(workflows repo.WorkflowRepository, permissions repo.PermissionRepository, audit auditlog.Recorder, logger *slog.Logger) *Service {
	if workflows == nil {
		return nil
	}
	if audit == nil {
		audit = auditlog.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		workflows:   workflows,
		permissions: permissions,
		audit:       audit,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Get loads a workflow without any access check.
func (s *Service) Get(ctx context.Context, id string) (domain.Workflow, error) {
	w, err := s.workflows.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workflow{}, apperr.NotFound()
		}
		return domain.Workflow{}, fmt.Errorf("load workflow: %w", err)
	}
	return w, nil
}

// Role returns the caller's role on the workflow; owners are admins and
// callers without a grant get "".
func (s *Service) Role(ctx context.Context, w domain.Workflow, userID string) (string, error) {
	if userID != "" && w.UserID == userID {
		return auth.RoleAdmin, nil
	}
	if s.permissions == nil || userID == "" {
		return "", nil
	}
	role, err := s.permissions.Role(ctx, w.ID, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load permission: %w", err)
	}
	return role, nil
}

// Authorize loads the workflow and checks the caller holds at least required.
// Callers without any grant see not_found so workflow ids are not probeable.
func (s *Service) Authorize(ctx context.Context, workflowID, userID, required string) (domain.Workflow, error) {
	w, err := s.Get(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	role, err := s.Role(ctx, w, userID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if role == "" {
		return domain.Workflow{}, apperr.NotFound()
	}
	if !auth.HasAtLeast([]string{role}, required) {
		return domain.Workflow{}, apperr.Forbidden("forbidden")
	}
	return w, nil
}

type Status struct {
	IsDeployed        bool       `json:"isDeployed"`
	DeployedAt        *time.Time `json:"deployedAt"`
	NeedsRedeployment bool       `json:"needsRedeployment"`
}

func StatusOf(w domain.Workflow) Status {
	return Status{
		IsDeployed:        w.IsDeployed,
		DeployedAt:        w.DeployedAt,
		NeedsRedeployment: w.NeedsRedeployment(),
	}
}

// Deploy validates and publishes a snapshot. A nil draft deploys the stored
// draft; otherwise draft replaces it first.
func (s *Service) Deploy(ctx context.Context, workflowID, userID string, draft *domain.Graph) (domain.Workflow, error) {
	w, err := s.Authorize(ctx, workflowID, userID, auth.RoleEditor)
	if err != nil {
		return domain.Workflow{}, err
	}
	snapshot := w.DraftState
	if draft != nil {
		snapshot = *draft
	}
	if _, err := graph.Build(snapshot); err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			return domain.Workflow{}, apperr.Validation("invalid_graph", verr.Issues...)
		}
		return domain.Workflow{}, apperr.Validation("invalid_graph", err.Error())
	}

	at := s.now()
	if draft != nil {
		if err := s.workflows.UpdateDraft(ctx, w.ID, snapshot, at); err != nil {
			return domain.Workflow{}, fmt.Errorf("update draft: %w", err)
		}
	}
	if err := s.workflows.Deploy(ctx, w.ID, snapshot, at); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Workflow{}, apperr.NotFound()
		}
		return domain.Workflow{}, fmt.Errorf("deploy workflow: %w", err)
	}
	if err := s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   at,
		Actor:        userID,
		Action:       auditlog.ActionWorkflowDeployed,
		ResourceType: "workflow",
		ResourceID:   w.ID,
		Payload:      map[string]any{"blocks": len(snapshot.Blocks), "edges": len(snapshot.Edges)},
	}); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "workflow_id", w.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "workflow deployed", "workflow_id", w.ID, "blocks", len(snapshot.Blocks))
	return s.Get(ctx, w.ID)
}

// Deployed builds the executable graph from the deployed snapshot.
func Deployed(w domain.Workflow) (*graph.Workflow, error) {
	if !w.IsDeployed || w.DeployedState == nil {
		return nil, apperr.New(apperr.KindDeploymentMismatch, "workflow_not_deployed", "workflow has no deployed snapshot")
	}
	built, err := graph.Build(*w.DeployedState)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "invalid_deployed_graph", err)
	}
	return built, nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

const (
	insertWorkflowQuery = `INSERT INTO workflows (
		workflow_id,
		user_id,
		name,
		draft_state,
		rate_limit_per_minute,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$6)`

	selectWorkflowQuery = `SELECT workflow_id, user_id, name, is_deployed, deployed_at, deployed_state, draft_state,
		rate_limit_per_minute, created_at, updated_at
	 FROM workflows
	 WHERE workflow_id = $1`

	updateWorkflowDraftQuery = `UPDATE workflows
	 SET draft_state = $2, updated_at = $3
	 WHERE workflow_id = $1`

	// Deploy also bumps updated_at so the draft and snapshot compare equal.
	deployWorkflowQuery = `UPDATE workflows
	 SET is_deployed = TRUE, deployed_state = $2, deployed_at = $3, updated_at = $3
	 WHERE workflow_id = $1`
)

type WorkflowStore struct {
	db DB
}

func NewWorkflowStore(db DB) *WorkflowStore {
	if db == nil {
		return nil
	}
	return &WorkflowStore{db: db}
}

var _ repo.WorkflowRepository = (*WorkflowStore)(nil)

func (s *WorkflowStore) Create(ctx context.Context, workflow domain.Workflow) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	if err := workflow.Validate(); err != nil {
		return err
	}
	draft, err := json.Marshal(workflow.DraftState)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertWorkflowQuery,
		strings.TrimSpace(workflow.ID),
		strings.TrimSpace(workflow.UserID),
		strings.TrimSpace(workflow.Name),
		draft,
		workflow.RateLimitPerMinute,
		normalizeTime(workflow.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", classify(err))
	}
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (domain.Workflow, error) {
	if s == nil || s.db == nil {
		return domain.Workflow{}, fmt.Errorf("workflow store not initialized")
	}
	var (
		w                   domain.Workflow
		deployedAt          sql.NullTime
		deployedRaw, draftR []byte
	)
	err := s.db.QueryRowContext(ctx, selectWorkflowQuery, strings.TrimSpace(id)).Scan(
		&w.ID, &w.UserID, &w.Name, &w.IsDeployed, &deployedAt, &deployedRaw, &draftR,
		&w.RateLimitPerMinute, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return domain.Workflow{}, handleNotFound(err)
	}
	w.DeployedAt = timePtr(deployedAt)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	if len(draftR) > 0 {
		if err := json.Unmarshal(draftR, &w.DraftState); err != nil {
			return domain.Workflow{}, fmt.Errorf("decode draft: %w", err)
		}
	}
	if len(deployedRaw) > 0 {
		var snapshot domain.Graph
		if err := json.Unmarshal(deployedRaw, &snapshot); err != nil {
			return domain.Workflow{}, fmt.Errorf("decode deployed state: %w", err)
		}
		w.DeployedState = &snapshot
	}
	return w, nil
}

func (s *WorkflowStore) UpdateDraft(ctx context.Context, id string, draft domain.Graph, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	raw, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	return s.update(ctx, updateWorkflowDraftQuery, id, raw, normalizeTime(at))
}

func (s *WorkflowStore) Deploy(ctx context.Context, id string, snapshot domain.Graph, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.update(ctx, deployWorkflowQuery, id, raw, normalizeTime(at))
}

func (s *WorkflowStore) update(ctx context.Context, query, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{strings.TrimSpace(id)}, args...)...)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

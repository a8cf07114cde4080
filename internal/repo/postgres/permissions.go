package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

const (
	selectPermissionQuery = `SELECT role FROM workflow_permissions WHERE workflow_id = $1 AND user_id = $2`

	upsertPermissionQuery = `INSERT INTO workflow_permissions (workflow_id, user_id, role)
	 VALUES ($1,$2,$3)
	 ON CONFLICT (workflow_id, user_id) DO UPDATE SET role = EXCLUDED.role`
)

type PermissionStore struct {
	db DB
}

func NewPermissionStore(db DB) *PermissionStore {
	if db == nil {
		return nil
	}
	return &PermissionStore{db: db}
}

var _ repo.PermissionRepository = (*PermissionStore)(nil)

func (s *PermissionStore) Role(ctx context.Context, workflowID, userID string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("permission store not initialized")
	}
	var role string
	if err := s.db.QueryRowContext(ctx, selectPermissionQuery, strings.TrimSpace(workflowID), strings.TrimSpace(userID)).Scan(&role); err != nil {
		return "", handleNotFound(err)
	}
	return role, nil
}

func (s *PermissionStore) Grant(ctx context.Context, workflowID, userID, role string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("permission store not initialized")
	}
	_, err := s.db.ExecContext(ctx, upsertPermissionQuery, strings.TrimSpace(workflowID), strings.TrimSpace(userID), strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		return fmt.Errorf("grant permission: %w", classify(err))
	}
	return nil
}

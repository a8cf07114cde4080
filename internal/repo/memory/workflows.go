package memory

import (
	"context"
	"sync"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

type WorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]domain.Workflow
}

func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{workflows: make(map[string]domain.Workflow)}
}

var _ repo.WorkflowRepository = (*WorkflowStore)(nil)

func (s *WorkflowStore) Create(_ context.Context, workflow domain.Workflow) error {
	if err := workflow.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[workflow.ID]; ok {
		return repo.ErrConflict
	}
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = time.Now().UTC()
	}
	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = workflow.CreatedAt
	}
	s.workflows[workflow.ID] = workflow
	return nil
}

func (s *WorkflowStore) Get(_ context.Context, id string) (domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return domain.Workflow{}, repo.ErrNotFound
	}
	return w, nil
}

func (s *WorkflowStore) UpdateDraft(_ context.Context, id string, draft domain.Graph, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	w.DraftState = draft
	w.UpdatedAt = at.UTC()
	s.workflows[id] = w
	return nil
}

func (s *WorkflowStore) Deploy(_ context.Context, id string, snapshot domain.Graph, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	ts := at.UTC()
	w.IsDeployed = true
	w.DeployedState = &snapshot
	w.DeployedAt = &ts
	w.UpdatedAt = ts
	s.workflows[id] = w
	return nil
}

type PermissionStore struct {
	mu    sync.RWMutex
	roles map[string]string
}

func NewPermissionStore() *PermissionStore {
	return &PermissionStore{roles: make(map[string]string)}
}

var _ repo.PermissionRepository = (*PermissionStore)(nil)

func (s *PermissionStore) Role(_ context.Context, workflowID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[workflowID+"/"+userID]
	if !ok {
		return "", repo.ErrNotFound
	}
	return role, nil
}

func (s *PermissionStore) Grant(_ context.Context, workflowID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[workflowID+"/"+userID] = role
	return nil
}

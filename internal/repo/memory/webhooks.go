package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

type WebhookStore struct {
	mu    sync.RWMutex
	byID  map[string]domain.Webhook
	paths map[string]string
}

func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		byID:  make(map[string]domain.Webhook),
		paths: make(map[string]string),
	}
}

var _ repo.WebhookRepository = (*WebhookStore)(nil)

func (s *WebhookStore) Create(_ context.Context, webhook domain.Webhook) error {
	if err := webhook.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[webhook.ID]; ok {
		return repo.ErrConflict
	}
	if _, ok := s.paths[webhook.Path]; ok {
		return repo.ErrConflict
	}
	if webhook.Provider == "" {
		webhook.Provider = domain.ProviderGeneric
	}
	if webhook.CreatedAt.IsZero() {
		webhook.CreatedAt = time.Now().UTC()
	}
	webhook.UpdatedAt = webhook.CreatedAt
	webhook.ProviderConfig = webhook.ProviderConfig.Clone()
	s.byID[webhook.ID] = webhook
	s.paths[webhook.Path] = webhook.ID
	return nil
}

func (s *WebhookStore) Get(_ context.Context, id string) (domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byID[id]
	if !ok {
		return domain.Webhook{}, repo.ErrNotFound
	}
	return w, nil
}

func (s *WebhookStore) GetByPath(_ context.Context, path string) (domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.paths[path]
	if !ok {
		return domain.Webhook{}, repo.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *WebhookStore) ListByWorkflow(_ context.Context, workflowID string) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Webhook, 0)
	for _, w := range s.byID {
		if w.WorkflowID == workflowID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *WebhookStore) Delete(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.byID[id]
	if !ok {
		return 0, repo.ErrNotFound
	}
	n := 0
	for wid, w := range s.byID {
		if wid == id || (target.CredentialSetID != "" && w.CredentialSetID == target.CredentialSetID) {
			delete(s.byID, wid)
			delete(s.paths, w.Path)
			n++
		}
	}
	return n, nil
}

func (s *WebhookStore) RecordFailure(_ context.Context, id string, at time.Time, maxFailures int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return 0, repo.ErrNotFound
	}
	ts := at.UTC()
	w.FailedCount++
	w.LastFailedAt = &ts
	w.UpdatedAt = ts
	if maxFailures > 0 && w.FailedCount >= maxFailures {
		w.IsActive = false
	}
	s.byID[id] = w
	return w.FailedCount, nil
}

func (s *WebhookStore) ResetFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		return nil
	}
	w.FailedCount = 0
	w.LastFailedAt = nil
	s.byID[id] = w
	return nil
}

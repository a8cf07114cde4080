package memory

import (
	"context"
	"sync"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

type ExecutionLogStore struct {
	mu   sync.RWMutex
	logs map[string]domain.ExecutionLog
}

func NewExecutionLogStore() *ExecutionLogStore {
	return &ExecutionLogStore{logs: make(map[string]domain.ExecutionLog)}
}

var _ repo.ExecutionLogRepository = (*ExecutionLogStore)(nil)

func (s *ExecutionLogStore) Create(_ context.Context, log domain.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[log.ExecutionID]; ok {
		return nil
	}
	log.Metadata = log.Metadata.Clone()
	s.logs[log.ExecutionID] = log
	return nil
}

func (s *ExecutionLogStore) Finish(_ context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[executionID]
	if !ok {
		return repo.ErrNotFound
	}
	ts := at.UTC()
	log.Status = status
	log.Error = errMsg
	log.EndedAt = &ts
	s.logs[executionID] = log
	return nil
}

func (s *ExecutionLogStore) Get(_ context.Context, executionID string) (domain.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[executionID]
	if !ok {
		return domain.ExecutionLog{}, repo.ErrNotFound
	}
	return log, nil
}

type APIKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]domain.APIKey
}

func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{byHash: make(map[string]domain.APIKey)}
}

var _ repo.APIKeyRepository = (*APIKeyStore)(nil)

func (s *APIKeyStore) Create(_ context.Context, key domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[key.KeyHash]; ok {
		return repo.ErrConflict
	}
	s.byHash[key.KeyHash] = key
	return nil
}

func (s *APIKeyStore) GetByHash(_ context.Context, keyHash string) (domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[keyHash]
	if !ok {
		return domain.APIKey{}, repo.ErrNotFound
	}
	return key, nil
}

func (s *APIKeyStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, key := range s.byHash {
		if key.ID == id {
			ts := at.UTC()
			key.LastUsedAt = &ts
			s.byHash[hash] = key
		}
	}
	return nil
}

type UsageStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewUsageStore() *UsageStore {
	return &UsageStore{counts: make(map[string]int)}
}

var _ repo.UsageRepository = (*UsageStore)(nil)

func (s *UsageStore) Increment(_ context.Context, userID, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID+"/"+period]++
	return s.counts[userID+"/"+period], nil
}

func (s *UsageStore) Get(_ context.Context, userID, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID+"/"+period], nil
}

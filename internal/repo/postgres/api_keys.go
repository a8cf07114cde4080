package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

const (
	insertAPIKeyQuery = `INSERT INTO api_keys (api_key_id, user_id, name, key_hash, created_at)
	 VALUES ($1,$2,$3,$4,$5)`

	selectAPIKeyByHashQuery = `SELECT api_key_id, user_id, name, key_hash, created_at, last_used_at, revoked_at
	 FROM api_keys
	 WHERE key_hash = $1`

	touchAPIKeyQuery = `UPDATE api_keys SET last_used_at = $2 WHERE api_key_id = $1`
)

type APIKeyStore struct {
	db DB
}

func NewAPIKeyStore(db DB) *APIKeyStore {
	if db == nil {
		return nil
	}
	return &APIKeyStore{db: db}
}

var _ repo.APIKeyRepository = (*APIKeyStore)(nil)

func (s *APIKeyStore) Create(ctx context.Context, key domain.APIKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("api key store not initialized")
	}
	if strings.TrimSpace(key.ID) == "" || strings.TrimSpace(key.UserID) == "" || strings.TrimSpace(key.KeyHash) == "" {
		return fmt.Errorf("api key id, user id and hash are required")
	}
	_, err := s.db.ExecContext(ctx, insertAPIKeyQuery,
		strings.TrimSpace(key.ID),
		strings.TrimSpace(key.UserID),
		strings.TrimSpace(key.Name),
		strings.TrimSpace(key.KeyHash),
		normalizeTime(key.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", classify(err))
	}
	return nil
}

func (s *APIKeyStore) GetByHash(ctx context.Context, keyHash string) (domain.APIKey, error) {
	if s == nil || s.db == nil {
		return domain.APIKey{}, fmt.Errorf("api key store not initialized")
	}
	var (
		key             domain.APIKey
		lastUsed, revok sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, selectAPIKeyByHashQuery, strings.TrimSpace(keyHash)).Scan(
		&key.ID, &key.UserID, &key.Name, &key.KeyHash, &key.CreatedAt, &lastUsed, &revok,
	)
	if err != nil {
		return domain.APIKey{}, handleNotFound(err)
	}
	key.CreatedAt = key.CreatedAt.UTC()
	key.LastUsedAt = timePtr(lastUsed)
	key.RevokedAt = timePtr(revok)
	return key, nil
}

func (s *APIKeyStore) Touch(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("api key store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, touchAPIKeyQuery, strings.TrimSpace(id), normalizeTime(at)); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

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

const webhookColumns = `webhook_id, workflow_id, block_id, path, provider, provider_config, credential_set_id,
	is_active, failed_count, last_failed_at, created_at, updated_at`

const (
	insertWebhookQuery = `INSERT INTO webhooks (
		webhook_id,
		workflow_id,
		block_id,
		path,
		provider,
		provider_config,
		credential_set_id,
		is_active,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`

	selectWebhookQuery = `SELECT ` + webhookColumns + ` FROM webhooks WHERE webhook_id = $1`

	selectWebhookByPathQuery = `SELECT ` + webhookColumns + ` FROM webhooks WHERE path = $1`

	listWebhooksByWorkflowQuery = `SELECT ` + webhookColumns + `
	 FROM webhooks
	 WHERE workflow_id = $1
	 ORDER BY created_at, webhook_id`

	deleteWebhookSetQuery = `DELETE FROM webhooks
	 WHERE webhook_id = $1
		OR credential_set_id = (
			SELECT credential_set_id FROM webhooks WHERE webhook_id = $1 AND credential_set_id IS NOT NULL
		)`

	recordWebhookFailureQuery = `UPDATE webhooks
	 SET failed_count = failed_count + 1,
		last_failed_at = $2,
		updated_at = $2,
		is_active = CASE WHEN $3 > 0 AND failed_count + 1 >= $3 THEN FALSE ELSE is_active END
	 WHERE webhook_id = $1
	 RETURNING failed_count`

	resetWebhookFailuresQuery = `UPDATE webhooks
	 SET failed_count = 0, last_failed_at = NULL
	 WHERE webhook_id = $1 AND failed_count > 0`
)

type WebhookStore struct {
	db DB
}

func NewWebhookStore(db DB) *WebhookStore {
	if db == nil {
		return nil
	}
	return &WebhookStore{db: db}
}

var _ repo.WebhookRepository = (*WebhookStore)(nil)

func (s *WebhookStore) Create(ctx context.Context, webhook domain.Webhook) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("webhook store not initialized")
	}
	if err := webhook.Validate(); err != nil {
		return err
	}
	configJSON, err := encodeMetadata(webhook.ProviderConfig)
	if err != nil {
		return fmt.Errorf("encode provider config: %w", err)
	}
	provider := strings.TrimSpace(webhook.Provider)
	if provider == "" {
		provider = domain.ProviderGeneric
	}
	_, err = s.db.ExecContext(
		ctx,
		insertWebhookQuery,
		strings.TrimSpace(webhook.ID),
		strings.TrimSpace(webhook.WorkflowID),
		strings.TrimSpace(webhook.BlockID),
		strings.TrimSpace(webhook.Path),
		provider,
		configJSON,
		nullIfEmpty(webhook.CredentialSetID),
		webhook.IsActive,
		normalizeTime(webhook.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", classify(err))
	}
	return nil
}

func (s *WebhookStore) Get(ctx context.Context, id string) (domain.Webhook, error) {
	if s == nil || s.db == nil {
		return domain.Webhook{}, fmt.Errorf("webhook store not initialized")
	}
	w, err := scanWebhook(s.db.QueryRowContext(ctx, selectWebhookQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Webhook{}, handleNotFound(err)
	}
	return w, nil
}

func (s *WebhookStore) GetByPath(ctx context.Context, path string) (domain.Webhook, error) {
	if s == nil || s.db == nil {
		return domain.Webhook{}, fmt.Errorf("webhook store not initialized")
	}
	w, err := scanWebhook(s.db.QueryRowContext(ctx, selectWebhookByPathQuery, strings.TrimSpace(path)))
	if err != nil {
		return domain.Webhook{}, handleNotFound(err)
	}
	return w, nil
}

func (s *WebhookStore) ListByWorkflow(ctx context.Context, workflowID string) ([]domain.Webhook, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("webhook store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listWebhooksByWorkflowQuery, strings.TrimSpace(workflowID))
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Webhook, 0)
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WebhookStore) Delete(ctx context.Context, id string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("webhook store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteWebhookSetQuery, strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("delete webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete webhook: %w", err)
	}
	if n == 0 {
		return 0, repo.ErrNotFound
	}
	return int(n), nil
}

func (s *WebhookStore) RecordFailure(ctx context.Context, id string, at time.Time, maxFailures int) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("webhook store not initialized")
	}
	var count int
	err := s.db.QueryRowContext(ctx, recordWebhookFailureQuery, strings.TrimSpace(id), normalizeTime(at), maxFailures).Scan(&count)
	if err != nil {
		return 0, handleNotFound(err)
	}
	return count, nil
}

func (s *WebhookStore) ResetFailures(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("webhook store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, resetWebhookFailuresQuery, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("reset webhook failures: %w", err)
	}
	return nil
}

func scanWebhook(row scanner) (domain.Webhook, error) {
	var (
		w          domain.Webhook
		configJSON []byte
		credSet    sql.NullString
		lastFailed sql.NullTime
	)
	err := row.Scan(&w.ID, &w.WorkflowID, &w.BlockID, &w.Path, &w.Provider, &configJSON, &credSet,
		&w.IsActive, &w.FailedCount, &lastFailed, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return domain.Webhook{}, err
	}
	if w.ProviderConfig, err = decodeMetadata(configJSON); err != nil {
		return domain.Webhook{}, fmt.Errorf("decode provider config: %w", err)
	}
	w.CredentialSetID = credSet.String
	w.LastFailedAt = timePtr(lastFailed)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

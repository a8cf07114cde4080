package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/service/workflows"
	"github.com/google/uuid"
)

var knownProviders = map[string]struct{}{
	domain.ProviderGeneric:  {},
	domain.ProviderGitHub:   {},
	domain.ProviderStripe:   {},
	domain.ProviderSlack:    {},
	domain.ProviderMSTeams:  {},
	domain.ProviderMSGraph:  {},
	domain.ProviderWhatsApp: {},
	domain.ProviderTelegram: {},
}

// Manager registers and removes webhooks on behalf of workflow editors.
type Manager struct {
	webhooks  repo.WebhookRepository
	workflows *workflows.Service
	audit     auditlog.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(webhooks repo.WebhookRepository, wf *workflows.Service, audit auditlog.Recorder, logger *slog.Logger) *Manager {
	if webhooks == nil || wf == nil {
		return nil
	}
	if audit == nil {
		audit = auditlog.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{webhooks: webhooks, workflows: wf, audit: audit, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

type CreateRequest struct {
	WorkflowID      string          `json:"workflowId"`
	BlockID         string          `json:"blockId"`
	Path            string          `json:"path"`
	Provider        string          `json:"provider"`
	ProviderConfig  domain.Metadata `json:"providerConfig"`
	CredentialSetID string          `json:"credentialSetId"`
}

func (m *Manager) Create(ctx context.Context, userID string, req CreateRequest) (domain.Webhook, error) {
	w, err := m.workflows.Authorize(ctx, req.WorkflowID, userID, auth.RoleEditor)
	if err != nil {
		return domain.Webhook{}, err
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = domain.ProviderGeneric
	}
	if _, ok := knownProviders[provider]; !ok {
		return domain.Webhook{}, apperr.Validation("invalid_provider", fmt.Sprintf("unknown provider %q", req.Provider))
	}
	block, ok := w.DraftState.Blocks[strings.TrimSpace(req.BlockID)]
	if !ok {
		return domain.Webhook{}, apperr.Validation("invalid_block", "blockId must reference a block in the workflow")
	}
	if !block.IsTrigger() {
		return domain.Webhook{}, apperr.Validation("invalid_block", "blockId must reference a trigger block")
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = uuid.NewString()
	}
	now := m.now()
	hook := domain.Webhook{
		ID:              uuid.NewString(),
		WorkflowID:      w.ID,
		BlockID:         block.ID,
		Path:            path,
		Provider:        provider,
		ProviderConfig:  req.ProviderConfig.Clone(),
		CredentialSetID: strings.TrimSpace(req.CredentialSetID),
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := hook.Validate(); err != nil {
		return domain.Webhook{}, apperr.Validation("invalid_webhook", err.Error())
	}
	if err := m.webhooks.Create(ctx, hook); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Webhook{}, apperr.New(apperr.KindConflict, "path_taken", "webhook path is already registered")
		}
		return domain.Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	m.logger.InfoContext(ctx, "webhook created", "webhook_id", hook.ID, "workflow_id", w.ID, "provider", provider)
	return hook, nil
}

func (m *Manager) List(ctx context.Context, userID, workflowID string) ([]domain.Webhook, error) {
	if _, err := m.workflows.Authorize(ctx, workflowID, userID, auth.RoleViewer); err != nil {
		return nil, err
	}
	hooks, err := m.webhooks.ListByWorkflow(ctx, strings.TrimSpace(workflowID))
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

// Delete removes the webhook together with its credential-set siblings and
// returns how many rows went away.
func (m *Manager) Delete(ctx context.Context, userID, webhookID string) (int, error) {
	hook, err := m.webhooks.Get(ctx, strings.TrimSpace(webhookID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, apperr.NotFound()
		}
		return 0, fmt.Errorf("load webhook: %w", err)
	}
	if _, err := m.workflows.Authorize(ctx, hook.WorkflowID, userID, auth.RoleEditor); err != nil {
		return 0, err
	}
	deleted, err := m.webhooks.Delete(ctx, hook.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, apperr.NotFound()
		}
		return 0, fmt.Errorf("delete webhook: %w", err)
	}
	if err := m.audit.Record(ctx, auditlog.Event{
		OccurredAt:   m.now(),
		Actor:        userID,
		Action:       auditlog.ActionWebhookDeleted,
		ResourceType: "webhook",
		ResourceID:   hook.ID,
		Payload:      map[string]any{"deleted": deleted, "credential_set_id": hook.CredentialSetID},
	}); err != nil {
		m.logger.WarnContext(ctx, "audit write failed", "webhook_id", hook.ID, "error", err)
	}
	return deleted, nil
}

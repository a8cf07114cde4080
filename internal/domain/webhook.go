package domain

import (
	"errors"
	"strings"
	"time"
)

// Webhook providers with dedicated challenge or signature handling.
const (
	ProviderGeneric  = "generic"
	ProviderGitHub   = "github"
	ProviderStripe   = "stripe"
	ProviderSlack    = "slack"
	ProviderMSTeams  = "microsoft-teams"
	ProviderMSGraph  = "microsoft-graph"
	ProviderWhatsApp = "whatsapp"
	ProviderTelegram = "telegram"
)

// Webhook binds an inbound path to a workflow trigger block. Rows that share a
// CredentialSetID are one fan-out registration and are deleted together.
type Webhook struct {
	ID              string
	WorkflowID      string
	BlockID         string
	Path            string
	Provider        string
	ProviderConfig  Metadata
	CredentialSetID string
	IsActive        bool
	FailedCount     int
	LastFailedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (w Webhook) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("webhook id is required")
	}
	if strings.TrimSpace(w.WorkflowID) == "" {
		return errors.New("workflow id is required")
	}
	if strings.TrimSpace(w.BlockID) == "" {
		return errors.New("block id is required")
	}
	if strings.TrimSpace(w.Path) == "" {
		return errors.New("path is required")
	}
	if strings.Contains(w.Path, "/") {
		return errors.New("path must be a single segment")
	}
	return nil
}

// ConfigString reads a string value from ProviderConfig.
func (w Webhook) ConfigString(key string) string {
	if w.ProviderConfig == nil {
		return ""
	}
	v, ok := w.ProviderConfig[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

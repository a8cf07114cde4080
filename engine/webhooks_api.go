package main

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/requestid"
	"github.com/blockflow-labs/blockflow-go/internal/ratelimit"
	"github.com/blockflow-labs/blockflow-go/internal/service/webhooks"
)

type webhookView struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflowId"`
	BlockID         string     `json:"blockId"`
	Path            string     `json:"path"`
	URL             string     `json:"url"`
	Provider        string     `json:"provider"`
	CredentialSetID string     `json:"credentialSetId,omitempty"`
	IsActive        bool       `json:"isActive"`
	FailedCount     int        `json:"failedCount"`
	LastFailedAt    *time.Time `json:"lastFailedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// newWebhookView omits ProviderConfig; it holds signing secrets.
func newWebhookView(h domain.Webhook) webhookView {
	return webhookView{
		ID:              h.ID,
		WorkflowID:      h.WorkflowID,
		BlockID:         h.BlockID,
		Path:            h.Path,
		URL:             "/webhooks/trigger/" + h.Path,
		Provider:        h.Provider,
		CredentialSetID: h.CredentialSetID,
		IsActive:        h.IsActive,
		FailedCount:     h.FailedCount,
		LastFailedAt:    h.LastFailedAt,
		CreatedAt:       h.CreatedAt,
	}
}

func (api *engineAPI) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhooks.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.metrics.WebhookRequest("unknown", "payload_too_large")
			api.writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	resp, err := api.processor.Process(r.Context(), webhooks.Inbound{
		Method:      r.Method,
		Path:        r.PathValue("path"),
		Header:      r.Header,
		Query:       r.URL.Query(),
		ContentType: r.Header.Get("Content-Type"),
		RawBody:     raw,
		RemoteAddr:  r.RemoteAddr,
		RequestID:   requestid.FromRequest(r),
	})
	if resp.RateLimit != nil {
		ratelimit.SetHeaders(w.Header(), *resp.RateLimit)
	}
	if errors.Is(err, webhooks.ErrMethodNotAllowed) {
		w.Header().Set("Allow", "POST")
		api.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.JSON == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp.Text)
		return
	}
	api.writeJSON(w, status, resp.JSON)
}

func (api *engineAPI) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	var req webhooks.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	hook, err := api.hooks.Create(r.Context(), userID, req)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"webhook": newWebhookView(hook),
	})
}

func (api *engineAPI) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	workflowID := strings.TrimSpace(r.URL.Query().Get("workflowId"))
	if workflowID == "" {
		api.writeAppError(w, r, apperr.Validation("workflow_id_required", "workflowId query parameter is required"))
		return
	}
	hooks, err := api.hooks.List(r.Context(), userID, workflowID)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	out := make([]webhookView, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, newWebhookView(h))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (api *engineAPI) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	deleted, err := api.hooks.Delete(r.Context(), userID, r.PathValue("webhookId"))
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

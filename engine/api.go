package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/execution/syncqueue"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"github.com/blockflow-labs/blockflow-go/internal/platform/requestid"
	"github.com/blockflow-labs/blockflow-go/internal/ratelimit"
	"github.com/blockflow-labs/blockflow-go/internal/service/executions"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
	"github.com/blockflow-labs/blockflow-go/internal/service/webhooks"
	"github.com/blockflow-labs/blockflow-go/internal/service/workflows"
	"github.com/blockflow-labs/blockflow-go/internal/usage"
	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

type streamConfig struct {
	PollInterval time.Duration
	MaxDuration  time.Duration
}

type engineAPI struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	jobs       *jobs.Service
	workflows  *workflows.Service
	executions *executions.Service
	processor  *webhooks.Processor
	hooks      *webhooks.Manager
	events     eventstream.Buffer
	syncPool   *syncqueue.Pool
	limiter    ratelimit.Limiter
	rateCfg    ratelimit.Config
	usage      *usage.Tracker
	cronSecret string
	stream     streamConfig
	now        func() time.Time
	newID      func() string
}

func newEngineAPI(logger *slog.Logger, m *metrics.Metrics) *engineAPI {
	return &engineAPI{
		logger:  logger,
		metrics: m,
		rateCfg: ratelimit.DefaultConfig(),
		stream:  streamConfig{PollInterval: 500 * time.Millisecond, MaxDuration: 10 * time.Minute},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

type route struct {
	method  string
	path    string
	handler http.HandlerFunc
}

func (api *engineAPI) routes() []route {
	return []route{
		{http.MethodGet, "/jobs", api.handleListJobs},
		{http.MethodGet, "/jobs/stats", api.handleJobStats},
		{http.MethodGet, "/jobs/{jobId}", api.handleGetJob},
		{http.MethodDelete, "/jobs/{jobId}", api.handleCancelJob},

		{http.MethodPost, "/workflows/{workflowId}/execute", api.handleExecuteWorkflow},
		{http.MethodGet, "/workflows/{workflowId}/status", api.handleWorkflowStatus},
		{http.MethodPut, "/workflows/{workflowId}/deployment", api.handleDeployWorkflow},
		{http.MethodGet, "/users/me/usage-limits", api.handleUsageLimits},

		{http.MethodGet, "/webhooks/trigger/{path}", api.handleWebhookTrigger},
		{http.MethodPost, "/webhooks/trigger/{path}", api.handleWebhookTrigger},
		{http.MethodPost, "/webhooks", api.handleCreateWebhook},
		{http.MethodGet, "/webhooks", api.handleListWebhooks},
		{http.MethodDelete, "/webhooks/{webhookId}", api.handleDeleteWebhook},

		{http.MethodGet, "/executions/{workflowId}/{executionId}/stream", api.handleStreamExecution},
		{http.MethodPost, "/executions/{workflowId}/{executionId}/cancel", api.handleCancelExecution},

		{http.MethodGet, "/cron/cleanup-jobs", api.handleCleanupJobs},
	}
}

func (api *engineAPI) register(mux *http.ServeMux) {
	for _, rt := range api.routes() {
		mux.HandleFunc(rt.method+" "+rt.path, rt.handler)
	}
}

// callerID returns the authenticated subject or writes a 401.
func (api *engineAPI) callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.Subject) == "" {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return identity.Subject, true
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *engineAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *engineAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestid.FromRequest(r),
	})
}

// writeAppError maps a classified error to its status and body. Anything
// unclassified is logged and reported as internal_error.
func (api *engineAPI) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := e.Status()
	if status >= http.StatusInternalServerError {
		api.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestid.FromRequest(r),
			"path", r.URL.Path,
			"error", err,
		)
	}
	body := map[string]any{
		"error":      e.Code,
		"request_id": requestid.FromRequest(r),
	}
	if e.Message != "" && status < http.StatusInternalServerError {
		body["message"] = e.Message
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.Kind == apperr.KindRateLimit && w.Header().Get(ratelimit.HeaderRetryAfter) == "" {
		w.Header().Set(ratelimit.HeaderRetryAfter, strconv.Itoa(ratelimit.RetryAfterSeconds(e.RetryAfter)))
	}
	api.writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation("invalid_"+key, key+" must be a non-negative integer")
	}
	return v, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
	"github.com/blockflow-labs/blockflow-go/internal/execution/runtime"
	"github.com/blockflow-labs/blockflow-go/internal/execution/syncqueue"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
	"github.com/blockflow-labs/blockflow-go/internal/ratelimit"
	"github.com/blockflow-labs/blockflow-go/internal/service/executions"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
	"github.com/blockflow-labs/blockflow-go/internal/service/workflows"
)

const (
	headerExecutionMode  = "X-Execution-Mode"
	headerIdempotencyKey = "Idempotency-Key"
	modeAsync            = "async"
	modeSync             = "sync"
)

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, apperr.Validation("invalid_body", "failed to read request body")
	}
	if len(raw) > maxRequestBody {
		return nil, apperr.New(apperr.KindValidation, "payload_too_large", "request body exceeds 1 MiB")
	}
	return raw, nil
}

func decodeInput(raw []byte) (domain.Metadata, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Metadata{}, nil
	}
	var input domain.Metadata
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, apperr.Validation("invalid_input", "body must be a JSON object")
	}
	if input == nil {
		input = domain.Metadata{}
	}
	return input, nil
}

// limitFor picks the per-minute budget for mode: the caller's plan when it
// sets one, otherwise the engine default.
func (api *engineAPI) limitFor(userID, mode string) int {
	var planLimit, fallback int
	if api.usage != nil {
		_, plan := api.usage.Policy().PlanFor(userID)
		if mode == modeAsync {
			planLimit = plan.AsyncPerMinute
		} else {
			planLimit = plan.SyncPerMinute
		}
	}
	if mode == modeAsync {
		fallback = api.rateCfg.AsyncPerMinute
	} else {
		fallback = api.rateCfg.SyncPerMinute
	}
	if planLimit > 0 {
		return planLimit
	}
	return fallback
}

func (api *engineAPI) admit(ctx context.Context, w http.ResponseWriter, userID, mode string) error {
	if api.limiter != nil {
		d, err := api.limiter.Allow(ctx, mode+":"+userID, api.limitFor(userID, mode), api.rateCfg.Window)
		if err != nil {
			return apperr.Wrap(apperr.KindUnavailable, "rate_limiter_unavailable", err)
		}
		ratelimit.SetHeaders(w.Header(), d)
		if !d.Allowed {
			return apperr.RateLimited("rate_limit_exceeded", d.RetryAfter)
		}
	}
	if api.usage != nil {
		if err := api.usage.Check(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (api *engineAPI) recordUsage(ctx context.Context, userID string) {
	if api.usage == nil {
		return
	}
	if _, err := api.usage.Record(ctx, userID); err != nil {
		api.logger.WarnContext(ctx, "record usage", "user_id", userID, "error", err)
	}
}

func (api *engineAPI) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	wf, err := api.workflows.Authorize(r.Context(), r.PathValue("workflowId"), userID, auth.RoleEditor)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	if _, err := workflows.Deployed(wf); err != nil {
		api.writeAppError(w, r, err)
		return
	}
	raw, err := readBody(r)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	input, err := decodeInput(raw)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}

	mode := strings.ToLower(strings.TrimSpace(r.Header.Get(headerExecutionMode)))
	if mode != modeAsync {
		mode = modeSync
	}
	if err := api.admit(r.Context(), w, userID, mode); err != nil {
		api.writeAppError(w, r, err)
		return
	}

	if mode == modeAsync {
		api.enqueueExecution(w, r, wf, userID, input)
		return
	}
	api.runSync(w, r, wf, userID, input)
}

func (api *engineAPI) enqueueExecution(w http.ResponseWriter, r *http.Request, wf domain.Workflow, userID string, input domain.Metadata) {
	res, err := api.jobs.Enqueue(r.Context(), jobs.EnqueueRequest{
		UserID:         userID,
		WorkflowID:     wf.ID,
		TriggerType:    domain.TriggerAPI,
		Input:          input,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	if !res.Duplicate {
		api.recordUsage(r.Context(), userID)
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"success":   true,
		"taskId":    res.Job.ID,
		"status":    "queued",
		"createdAt": res.Job.CreatedAt,
		"duplicate": res.Duplicate,
		"links": map[string]any{
			"status": "/jobs/" + res.Job.ID,
		},
	})
}

func (api *engineAPI) runSync(w http.ResponseWriter, r *http.Request, wf domain.Workflow, userID string, input domain.Metadata) {
	executionID := api.newID()
	var res runtime.Result
	err := api.syncPool.Run(r.Context(), userID, 0, func(ctx context.Context) error {
		var runErr error
		res, runErr = api.executions.Run(ctx, executions.RunRequest{
			ExecutionID: executionID,
			Workflow:    wf,
			UserID:      userID,
			TriggerType: domain.TriggerAPI,
			Input:       input,
		})
		return runErr
	})
	if errors.Is(err, syncqueue.ErrCapacityExceeded) || errors.Is(err, syncqueue.ErrUserCapacityExceeded) {
		w.Header().Set(ratelimit.HeaderRetryAfter, "1")
		api.writeAppError(w, r, apperr.Wrap(apperr.KindUnavailable, "capacity_exceeded", err))
		return
	}
	if res.Status == "" {
		api.writeAppError(w, r, err)
		return
	}
	api.recordUsage(r.Context(), userID)
	body := map[string]any{
		"success":     res.Status == domain.ExecutionComplete,
		"executionId": executionID,
		"status":      res.Status,
		"output":      res.Output,
		"durationMs":  res.Duration.Milliseconds(),
	}
	if res.Error != "" {
		body["error"] = res.Error
	}
	api.writeJSON(w, http.StatusOK, body)
}

func (api *engineAPI) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	wf, err := api.workflows.Authorize(r.Context(), r.PathValue("workflowId"), userID, auth.RoleViewer)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, workflows.StatusOf(wf))
}

// handleDeployWorkflow publishes the stored draft, or the graph in the body
// when one is sent (JSON or YAML).
func (api *engineAPI) handleDeployWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	var draft *domain.Graph
	if len(bytes.TrimSpace(raw)) > 0 {
		g, err := graph.Decode(r.Header.Get("Content-Type"), raw)
		if err != nil {
			api.writeAppError(w, r, apperr.Validation("invalid_graph", err.Error()))
			return
		}
		draft = &g
	}
	wf, err := api.workflows.Deploy(r.Context(), r.PathValue("workflowId"), userID, draft)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, workflows.StatusOf(wf))
}

type rateLimitView struct {
	IsLimited bool      `json:"isLimited"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (api *engineAPI) peekLimit(ctx context.Context, userID, mode string) rateLimitView {
	limit := api.limitFor(userID, mode)
	view := rateLimitView{Limit: limit, Remaining: limit, ResetAt: api.now().Add(api.rateCfg.Window)}
	peeker, ok := api.limiter.(ratelimit.Peeker)
	if !ok {
		return view
	}
	d, err := peeker.Peek(ctx, mode+":"+userID, limit, api.rateCfg.Window)
	if err != nil {
		api.logger.WarnContext(ctx, "peek rate limit", "user_id", userID, "error", err)
		return view
	}
	view.Remaining = max(d.Remaining, 0)
	view.IsLimited = limit > 0 && d.Remaining <= 0
	if !d.ResetAt.IsZero() {
		view.ResetAt = d.ResetAt
	}
	return view
}

func (api *engineAPI) handleUsageLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	body := map[string]any{
		"success": true,
		"rateLimit": map[string]any{
			"sync":  api.peekLimit(r.Context(), userID, modeSync),
			"async": api.peekLimit(r.Context(), userID, modeAsync),
		},
	}
	if api.usage != nil {
		st, err := api.usage.Status(r.Context(), userID)
		if err != nil {
			api.writeAppError(w, r, err)
			return
		}
		body["usage"] = st
	}
	api.writeJSON(w, http.StatusOK, body)
}

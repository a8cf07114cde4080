// Package webhooks turns inbound provider deliveries into queued jobs. Every
// accepted request produces at most one job; rejected requests never touch the
// queue.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"github.com/blockflow-labs/blockflow-go/internal/ratelimit"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
	"github.com/blockflow-labs/blockflow-go/internal/usage"
	"github.com/blockflow-labs/blockflow-go/internal/webhook/providers"
	"github.com/google/uuid"
)

// ErrMethodNotAllowed is returned for non-POST requests that carry no
// handshake.
var ErrMethodNotAllowed = errors.New("method not allowed")

type Config struct {
	// MaxFailures deactivates a webhook after this many consecutive dispatch
	// failures. Zero keeps it active forever.
	MaxFailures int
	RateLimit   ratelimit.Config
}

func ConfigFromEnv(rl ratelimit.Config) (Config, error) {
	maxFailures, err := env.Int("WEBHOOK_MAX_FAILURES", 100)
	if err != nil {
		return Config{}, err
	}
	if maxFailures < 0 {
		return Config{}, errors.New("WEBHOOK_MAX_FAILURES must be >= 0")
	}
	return Config{MaxFailures: maxFailures, RateLimit: rl}, nil
}

type Deps struct {
	Webhooks  repo.WebhookRepository
	Workflows repo.WorkflowRepository
	Logs      repo.ExecutionLogRepository
	Jobs      *jobs.Service
	Limiter   ratelimit.Limiter
	Usage     *usage.Tracker
	Audit     auditlog.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Processor struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func NewProcessor(deps Deps, cfg Config) *Processor {
	if deps.Webhooks == nil || deps.Workflows == nil || deps.Jobs == nil {
		return nil
	}
	if deps.Audit == nil {
		deps.Audit = auditlog.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Processor{deps: deps, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Inbound is one HTTP delivery to /webhooks/trigger/{path}.
type Inbound struct {
	Method      string
	Path        string
	Header      http.Header
	Query       url.Values
	ContentType string
	RawBody     []byte
	RemoteAddr  string
	RequestID   string
}

// Response is what the transport writes back. Exactly one of Text or JSON is
// set. RateLimit is filled whenever a limiter was consulted, including on
// error, so the caller can emit x-ratelimit headers.
type Response struct {
	Status    int
	Text      string
	JSON      any
	RateLimit *ratelimit.Decision
}

type Accepted struct {
	Success     bool   `json:"success"`
	JobID       string `json:"jobId"`
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate"`
}

// Process runs the ingestion pipeline. Returned errors are *apperr.Error.
func (p *Processor) Process(ctx context.Context, in Inbound) (Response, error) {
	path := strings.TrimSpace(in.Path)
	if in.Header == nil {
		in.Header = http.Header{}
	}

	// Query handshakes come first, before the body is touched.
	if challenge, ok := providers.DetectQueryChallenge(in.Query); ok {
		if challenge.NeedsWebhook() {
			hook, err := p.resolveWebhook(ctx, path)
			if err != nil {
				return Response{}, err
			}
			if !challenge.VerifyAgainst(hook) {
				p.reject(ctx, in, hook, "invalid_verify_token")
				return Response{}, apperr.Forbidden("invalid_verify_token")
			}
		}
		p.deps.Metrics.WebhookRequest(challenge.Provider, "challenge")
		return Response{Status: http.StatusOK, Text: challenge.Echo}, nil
	}
	if in.Method != http.MethodPost {
		return Response{}, ErrMethodNotAllowed
	}

	body, err := ParseBody(in.ContentType, in.RawBody)
	if err != nil {
		return Response{}, err
	}
	if resp, ok := providers.DetectBodyChallenge(body); ok {
		p.deps.Metrics.WebhookRequest(domain.ProviderGeneric, "challenge")
		return Response{Status: http.StatusOK, JSON: resp}, nil
	}

	hook, err := p.resolveWebhook(ctx, path)
	if err != nil {
		return Response{}, err
	}
	workflow, err := p.deps.Workflows.Get(ctx, hook.WorkflowID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Response{}, apperr.NotFound()
		}
		return Response{}, apperr.Internal(fmt.Errorf("load workflow: %w", err))
	}

	req := providers.Request{Method: in.Method, Header: in.Header, Query: in.Query, RawBody: in.RawBody, Body: body}
	if err := providers.Verify(hook, req, p.now()); err != nil {
		var authErr *providers.AuthError
		if errors.As(err, &authErr) {
			p.reject(ctx, in, hook, authErr.Reason)
			return Response{}, apperr.Unauthenticated(authErr.Reason)
		}
		return Response{}, apperr.Internal(err)
	}

	decision, err := p.limit(ctx, hook, workflow)
	resp := Response{RateLimit: decision}
	if err != nil {
		p.deps.Metrics.WebhookRequest(hook.Provider, "rate_limited")
		return resp, err
	}

	if p.deps.Usage != nil {
		if err := p.deps.Usage.Check(ctx, workflow.UserID); err != nil {
			p.deps.Metrics.WebhookRequest(hook.Provider, "usage_limited")
			return resp, err
		}
	}

	if _, ok := workflow.DeployedBlock(hook.BlockID); !ok {
		p.recordNotDeployed(ctx, in, hook, workflow)
		p.deps.Metrics.WebhookRequest(hook.Provider, "not_deployed")
		return resp, apperr.New(apperr.KindDeploymentMismatch, "trigger_not_deployed", "trigger block is not part of the deployed workflow")
	}

	result, err := p.deps.Jobs.Enqueue(ctx, jobs.EnqueueRequest{
		UserID:         workflow.UserID,
		WorkflowID:     workflow.ID,
		TriggerType:    domain.TriggerWebhook,
		TriggerBlockID: hook.BlockID,
		Input:          triggerInput(hook, in, body),
		IdempotencyKey: providers.DeliveryID(hook.Provider, req),
	})
	if err != nil {
		p.dispatchFailed(ctx, hook, err)
		p.deps.Metrics.WebhookRequest(hook.Provider, "dispatch_failed")
		return resp, apperr.From(err)
	}

	if hook.FailedCount > 0 {
		if err := p.deps.Webhooks.ResetFailures(ctx, hook.ID); err != nil {
			p.deps.Logger.WarnContext(ctx, "reset webhook failures", "webhook_id", hook.ID, "error", err)
		}
	}
	if !result.Duplicate && p.deps.Usage != nil {
		if _, err := p.deps.Usage.Record(ctx, workflow.UserID); err != nil {
			p.deps.Logger.WarnContext(ctx, "record usage", "user_id", workflow.UserID, "error", err)
		}
	}
	outcome := "queued"
	if result.Duplicate {
		outcome = "duplicate"
	}
	p.deps.Metrics.WebhookRequest(hook.Provider, outcome)
	p.deps.Logger.InfoContext(ctx, "webhook dispatched",
		"webhook_id", hook.ID,
		"workflow_id", workflow.ID,
		"job_id", result.Job.ID,
		"execution_id", result.Job.ExecutionID,
		"duplicate", result.Duplicate,
		"request_id", in.RequestID,
	)

	resp.Status = http.StatusAccepted
	resp.JSON = Accepted{
		Success:     true,
		JobID:       result.Job.ID,
		ExecutionID: result.Job.ExecutionID,
		Status:      "queued",
		Duplicate:   result.Duplicate,
	}
	return resp, nil
}

// resolveWebhook hides inactive webhooks behind the same not_found as unknown
// paths.
func (p *Processor) resolveWebhook(ctx context.Context, path string) (domain.Webhook, error) {
	if path == "" {
		return domain.Webhook{}, apperr.NotFound()
	}
	hook, err := p.deps.Webhooks.GetByPath(ctx, path)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Webhook{}, apperr.NotFound()
		}
		return domain.Webhook{}, apperr.Internal(fmt.Errorf("resolve webhook: %w", err))
	}
	if !hook.IsActive {
		return domain.Webhook{}, apperr.NotFound()
	}
	return hook, nil
}

func (p *Processor) limit(ctx context.Context, hook domain.Webhook, workflow domain.Workflow) (*ratelimit.Decision, error) {
	if p.deps.Limiter == nil {
		return nil, nil
	}
	window := p.cfg.RateLimit.Window
	if window <= 0 {
		window = time.Minute
	}
	perWorkflow := workflow.RateLimitPerMinute
	if perWorkflow <= 0 {
		perWorkflow = p.cfg.RateLimit.WorkflowPerMinute
	}
	checks := []struct {
		key   string
		limit int
	}{
		{key: "workflow:" + workflow.ID, limit: perWorkflow},
		{key: "webhook:" + hook.ID, limit: p.cfg.RateLimit.WebhookPerMinute},
	}
	var tightest *ratelimit.Decision
	for _, c := range checks {
		d, err := p.deps.Limiter.Allow(ctx, c.key, c.limit, window)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "rate_limiter_unavailable", err)
		}
		if !d.Allowed {
			return &d, apperr.RateLimited("rate_limit_exceeded", d.RetryAfter)
		}
		if d.Limit > 0 && (tightest == nil || d.Remaining < tightest.Remaining) {
			tightest = &d
		}
	}
	return tightest, nil
}

func (p *Processor) reject(ctx context.Context, in Inbound, hook domain.Webhook, reason string) {
	p.deps.Metrics.WebhookRequest(hook.Provider, "rejected")
	p.deps.Logger.WarnContext(ctx, "webhook rejected",
		"webhook_id", hook.ID,
		"provider", hook.Provider,
		"reason", reason,
		"request_id", in.RequestID,
	)
	if err := p.deps.Audit.Record(ctx, auditlog.Event{
		OccurredAt:   p.now(),
		Actor:        "webhook:" + hook.Provider,
		Action:       auditlog.ActionWebhookRejected,
		ResourceType: "webhook",
		ResourceID:   hook.ID,
		RequestID:    in.RequestID,
		IP:           clientIP(in),
		UserAgent:    in.Header.Get("User-Agent"),
		Payload:      map[string]any{"reason": reason, "workflow_id": hook.WorkflowID},
	}); err != nil {
		p.deps.Logger.WarnContext(ctx, "audit write failed", "webhook_id", hook.ID, "error", err)
	}
}

// recordNotDeployed leaves a completed-with-error log so the owner can see the
// trigger fired against a stale deployment.
func (p *Processor) recordNotDeployed(ctx context.Context, in Inbound, hook domain.Webhook, workflow domain.Workflow) {
	now := p.now()
	const msg = "trigger block is not part of the deployed workflow"
	if p.deps.Logs != nil {
		log := domain.ExecutionLog{
			ExecutionID: uuid.NewString(),
			WorkflowID:  workflow.ID,
			Trigger:     domain.TriggerWebhook,
			Status:      domain.ExecutionRunning,
			StartedAt:   now,
			Metadata:    domain.Metadata{"webhook_id": hook.ID, "block_id": hook.BlockID},
		}
		if err := p.deps.Logs.Create(ctx, log); err != nil {
			p.deps.Logger.WarnContext(ctx, "execution log create failed", "workflow_id", workflow.ID, "error", err)
		} else if err := p.deps.Logs.Finish(ctx, log.ExecutionID, domain.ExecutionError, msg, now); err != nil {
			p.deps.Logger.WarnContext(ctx, "execution log finish failed", "execution_id", log.ExecutionID, "error", err)
		}
	}
	if err := p.deps.Audit.Record(ctx, auditlog.Event{
		OccurredAt:   now,
		Actor:        "webhook:" + hook.Provider,
		Action:       auditlog.ActionTriggerNotDeployed,
		ResourceType: "workflow",
		ResourceID:   workflow.ID,
		RequestID:    in.RequestID,
		IP:           clientIP(in),
		Payload:      map[string]any{"webhook_id": hook.ID, "block_id": hook.BlockID},
	}); err != nil {
		p.deps.Logger.WarnContext(ctx, "audit write failed", "workflow_id", workflow.ID, "error", err)
	}
}

func (p *Processor) dispatchFailed(ctx context.Context, hook domain.Webhook, cause error) {
	count, err := p.deps.Webhooks.RecordFailure(ctx, hook.ID, p.now(), p.cfg.MaxFailures)
	if err != nil {
		p.deps.Logger.WarnContext(ctx, "record webhook failure", "webhook_id", hook.ID, "error", err)
	}
	p.deps.Logger.ErrorContext(ctx, "webhook dispatch failed",
		"webhook_id", hook.ID,
		"workflow_id", hook.WorkflowID,
		"failed_count", count,
		"error", cause,
	)
}

func triggerInput(hook domain.Webhook, in Inbound, body map[string]any) domain.Metadata {
	headers := make(map[string]any, len(in.Header))
	for k := range in.Header {
		lower := strings.ToLower(k)
		if lower == "authorization" || lower == "cookie" {
			continue
		}
		headers[lower] = in.Header.Get(k)
	}
	query := make(map[string]any, len(in.Query))
	for k := range in.Query {
		query[k] = in.Query.Get(k)
	}
	return domain.Metadata{
		"payload": body,
		"webhook": map[string]any{
			"id":       hook.ID,
			"path":     hook.Path,
			"provider": hook.Provider,
			"headers":  headers,
			"query":    query,
		},
	}
}

func clientIP(in Inbound) net.IP {
	if fwd := strings.TrimSpace(strings.Split(in.Header.Get("X-Forwarded-For"), ",")[0]); fwd != "" {
		if ip := net.ParseIP(fwd); ip != nil {
			return ip
		}
	}
	return auditlog.ClientIP(in.RemoteAddr)
}

package repo

import (
	"context"
	"errors"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type JobFilter struct {
	UserID string
	Status domain.JobStatus
	Limit  int
	Offset int
}

// JobRepository is the single source of truth for job state. Every status
// change goes through a conditional update.
type JobRepository interface {
	// Create inserts a pending job. When (workflow_id, idempotency_key) already
	// exists the stored job is returned with created=false.
	Create(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	// Get is scoped to the owner; other users' jobs are ErrNotFound.
	Get(ctx context.Context, userID, id string) (domain.Job, error)
	GetByID(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context, filter JobFilter) ([]domain.Job, int, error)
	// CountAhead counts pending jobs of the same priority created before job.
	CountAhead(ctx context.Context, job domain.Job) (int, error)
	// AverageDuration averages the last sample completed jobs.
	AverageDuration(ctx context.Context, sample int) (time.Duration, bool, error)
	CountByStatus(ctx context.Context, userID string) (domain.JobStatusCounts, error)

	Cancel(ctx context.Context, userID, id string, at time.Time) (bool, error)
	Claim(ctx context.Context, owner string, lease time.Duration, now time.Time) (domain.Job, bool, error)
	Heartbeat(ctx context.Context, id, owner string, lease time.Duration, now time.Time) (bool, error)
	// Complete, Fail and Abort return ErrConflict when the caller no longer
	// holds the lease or the job is not processing.
	Complete(ctx context.Context, id, owner string, output domain.Metadata, outputRef string, at time.Time) error
	Fail(ctx context.Context, id, owner, errMsg string, at time.Time) error
	// Abort records a processing job as cancelled.
	Abort(ctx context.Context, id, owner, errMsg string, at time.Time) error
	ReapExpired(ctx context.Context, now time.Time) ([]domain.Job, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type WebhookRepository interface {
	Create(ctx context.Context, webhook domain.Webhook) error
	Get(ctx context.Context, id string) (domain.Webhook, error)
	GetByPath(ctx context.Context, path string) (domain.Webhook, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]domain.Webhook, error)
	// Delete removes the webhook and every row sharing its credential set.
	Delete(ctx context.Context, id string) (int, error)
	// RecordFailure increments failed_count and deactivates the webhook once
	// it reaches maxFailures (0 disables deactivation).
	RecordFailure(ctx context.Context, id string, at time.Time, maxFailures int) (int, error)
	ResetFailures(ctx context.Context, id string) error
}

type WorkflowRepository interface {
	Create(ctx context.Context, workflow domain.Workflow) error
	Get(ctx context.Context, id string) (domain.Workflow, error)
	UpdateDraft(ctx context.Context, id string, draft domain.Graph, at time.Time) error
	Deploy(ctx context.Context, id string, snapshot domain.Graph, at time.Time) error
}

// PermissionRepository answers explicit grants; workflow owners are admins
// without a row.
type PermissionRepository interface {
	Role(ctx context.Context, workflowID, userID string) (string, error)
	Grant(ctx context.Context, workflowID, userID, role string) error
}

type ExecutionLogRepository interface {
	Create(ctx context.Context, log domain.ExecutionLog) error
	Finish(ctx context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error
	Get(ctx context.Context, executionID string) (domain.ExecutionLog, error)
}

type APIKeyRepository interface {
	Create(ctx context.Context, key domain.APIKey) error
	GetByHash(ctx context.Context, keyHash string) (domain.APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// UsageRepository counts executions per user and billing period (YYYY-MM).
type UsageRepository interface {
	Increment(ctx context.Context, userID, period string) (int, error)
	Get(ctx context.Context, userID, period string) (int, error)
}

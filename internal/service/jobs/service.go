package jobs

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
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/platform/metrics"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/storage/outputs"
	"github.com/google/uuid"
)

const (
	DefaultEstimate  = 30 * time.Second
	defaultListLimit = 50
	maxListLimit     = 200
)

type Config struct {
	DefaultEstimate time.Duration
	DurationSample  int
	Lease           time.Duration
	Retention       time.Duration
}

func ConfigFromEnv() (Config, error) {
	estimate, err := env.Duration("JOB_DEFAULT_DURATION", DefaultEstimate)
	if err != nil {
		return Config{}, err
	}
	sample, err := env.Int("JOB_DURATION_SAMPLE", 100)
	if err != nil {
		return Config{}, err
	}
	lease, err := env.Duration("JOB_LEASE_DURATION", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	retention, err := env.Duration("JOB_RETENTION", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DefaultEstimate: estimate,
		DurationSample:  sample,
		Lease:           lease,
		Retention:       retention,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func DefaultConfig() Config {
	return Config{
		DefaultEstimate: DefaultEstimate,
		DurationSample:  100,
		Lease:           2 * time.Minute,
		Retention:       24 * time.Hour,
	}
}

func (c Config) Validate() error {
	if c.DefaultEstimate <= 0 {
		return errors.New("JOB_DEFAULT_DURATION must be positive")
	}
	if c.DurationSample <= 0 {
		return errors.New("JOB_DURATION_SAMPLE must be positive")
	}
	if c.Lease <= 0 {
		return errors.New("JOB_LEASE_DURATION must be positive")
	}
	if c.Retention <= 0 {
		return errors.New("JOB_RETENTION must be positive")
	}
	return nil
}

type Service struct {
	jobs    repo.JobRepository
	outputs *outputs.Store
	audit   auditlog.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
	newID   func() string
}

type Option func(*Service)

func WithOutputs(store *outputs.Store) Option {
	return func(s *Service) { s.outputs = store }
}

func WithAudit(rec auditlog.Recorder) Option {
	return func(s *Service) { s.audit = rec }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(jobRepo repo.JobRepository, cfg Config, opts ...Option) *Service {
	if jobRepo == nil {
		return nil
	}
	s := &Service{
		jobs:   jobRepo,
		audit:  auditlog.Discard{},
		logger: slog.Default(),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Config() Config {
	return s.cfg
}

type EnqueueRequest struct {
	UserID         string
	WorkflowID     string
	ExecutionID    string
	TriggerType    string
	TriggerBlockID string
	Input          domain.Metadata
	Priority       int
	IdempotencyKey string
}

type EnqueueResult struct {
	Job       domain.Job
	Duplicate bool
}

// Enqueue records a pending job. A repeated idempotency key returns the
// original job with Duplicate set and creates nothing.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.WorkflowID) == "" {
		return EnqueueResult{}, apperr.Validation("invalid_job", "user id and workflow id are required")
	}
	trigger := strings.TrimSpace(req.TriggerType)
	if trigger == "" {
		trigger = domain.TriggerAPI
	}
	executionID := strings.TrimSpace(req.ExecutionID)
	if executionID == "" {
		executionID = s.newID()
	}
	job := domain.Job{
		ID:             s.newID(),
		UserID:         strings.TrimSpace(req.UserID),
		WorkflowID:     strings.TrimSpace(req.WorkflowID),
		ExecutionID:    executionID,
		Status:         domain.JobStatusPending,
		Priority:       req.Priority,
		CreatedAt:      s.now(),
		Input:          req.Input.Clone(),
		TriggerType:    trigger,
		TriggerBlockID: strings.TrimSpace(req.TriggerBlockID),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if job.Input == nil {
		job.Input = domain.Metadata{}
	}

	// The estimate is taken before insert so the new job is not counted
	// against itself.
	position, eta, err := s.estimate(ctx, job)
	if err != nil {
		return EnqueueResult{}, err
	}
	job.EstimatedStartTime = &eta

	stored, created, err := s.jobs.Create(ctx, job)
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return EnqueueResult{}, apperr.Wrap(apperr.KindConflict, "job_conflict", err)
		}
		return EnqueueResult{}, fmt.Errorf("enqueue job: %w", err)
	}
	if !created {
		s.logger.InfoContext(ctx, "duplicate job enqueue",
			"job_id", stored.ID,
			"workflow_id", stored.WorkflowID,
			"idempotency_key", stored.IdempotencyKey,
		)
		if err := s.decorate(ctx, &stored); err != nil {
			return EnqueueResult{}, err
		}
		return EnqueueResult{Job: stored, Duplicate: true}, nil
	}
	stored.Position = position
	s.metrics.JobEnqueued(stored.TriggerType)
	s.logger.InfoContext(ctx, "job enqueued",
		"job_id", stored.ID,
		"execution_id", stored.ExecutionID,
		"workflow_id", stored.WorkflowID,
		"position", position,
	)
	return EnqueueResult{Job: stored}, nil
}

func (s *Service) estimate(ctx context.Context, job domain.Job) (int, time.Time, error) {
	position, err := s.jobs.CountAhead(ctx, job)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("queue position: %w", err)
	}
	avg, ok, err := s.jobs.AverageDuration(ctx, s.cfg.DurationSample)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("average duration: %w", err)
	}
	if !ok || avg <= 0 {
		avg = s.cfg.DefaultEstimate
	}
	return position, s.now().Add(time.Duration(position) * avg), nil
}

// decorate refreshes derived fields and inlines offloaded outputs.
func (s *Service) decorate(ctx context.Context, job *domain.Job) error {
	if job.Status == domain.JobStatusPending {
		position, eta, err := s.estimate(ctx, *job)
		if err != nil {
			return err
		}
		job.Position = position
		job.EstimatedStartTime = &eta
	}
	if job.OutputRef != "" && s.outputs != nil {
		out, err := s.outputs.Load(ctx, job.OutputRef)
		if err != nil {
			s.logger.WarnContext(ctx, "load offloaded output failed", "job_id", job.ID, "error", err)
			return nil
		}
		job.Output = out
	}
	return nil
}

// Get returns the requester's job; jobs owned by others are reported as not
// found.
func (s *Service) Get(ctx context.Context, requesterID, jobID string) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, strings.TrimSpace(requesterID), strings.TrimSpace(jobID))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, apperr.NotFound()
		}
		return domain.Job{}, err
	}
	if err := s.decorate(ctx, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

type ListRequest struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

type ListResult struct {
	Jobs   []domain.Job
	Total  int
	Limit  int
	Offset int
}

func (s *Service) ListForUser(ctx context.Context, req ListRequest) (ListResult, error) {
	filter := repo.JobFilter{UserID: strings.TrimSpace(req.UserID), Limit: req.Limit, Offset: req.Offset}
	if strings.TrimSpace(req.Status) != "" {
		filter.Status = domain.NormalizeJobStatus(req.Status)
		if filter.Status == "" {
			return ListResult{}, apperr.Validation("invalid_status", "status must be one of pending, processing, completed, failed, cancelled")
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	jobs, total, err := s.jobs.List(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	for i := range jobs {
		if err := s.decorate(ctx, &jobs[i]); err != nil {
			return ListResult{}, err
		}
	}
	return ListResult{Jobs: jobs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Cancel succeeds only for the owner's pending jobs. Anything else, including
// unknown ids, returns false.
func (s *Service) Cancel(ctx context.Context, requesterID, jobID string) (bool, error) {
	ok, err := s.jobs.Cancel(ctx, strings.TrimSpace(requesterID), strings.TrimSpace(jobID), s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.metrics.JobFinished(string(domain.JobStatusCancelled), 0)
	if err := s.audit.Record(ctx, auditlog.Event{
		Actor:        requesterID,
		Action:       auditlog.ActionJobCancelled,
		ResourceType: "job",
		ResourceID:   jobID,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit job cancel failed", "job_id", jobID, "error", err)
	}
	return true, nil
}

// Cleanup deletes jobs created before now-retention regardless of status.
// A non-positive retention uses the configured default.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = s.cfg.Retention
	}
	n, err := s.jobs.DeleteOlderThan(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	s.metrics.CleanupDeleted(n)
	if n > 0 {
		s.logger.InfoContext(ctx, "jobs cleaned up", "deleted", n, "retention", retention.String())
	}
	return n, nil
}

func (s *Service) Stats(ctx context.Context, userID string) (domain.JobStatusCounts, error) {
	return s.jobs.CountByStatus(ctx, strings.TrimSpace(userID))
}

func (s *Service) Claim(ctx context.Context, owner string) (domain.Job, bool, error) {
	job, ok, err := s.jobs.Claim(ctx, owner, s.cfg.Lease, s.now())
	if err != nil || !ok {
		return domain.Job{}, ok, err
	}
	s.metrics.JobClaimed()
	return job, true, nil
}

func (s *Service) Heartbeat(ctx context.Context, jobID, owner string) (bool, error) {
	return s.jobs.Heartbeat(ctx, jobID, owner, s.cfg.Lease, s.now())
}

// Complete stores the output, offloading large payloads. ErrConflict means the
// lease was lost and the job already has another outcome.
func (s *Service) Complete(ctx context.Context, job domain.Job, owner string, output domain.Metadata) error {
	inline, ref, err := s.outputs.Save(ctx, job.ID, output)
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.jobs.Complete(ctx, job.ID, owner, inline, ref, now); err != nil {
		return err
	}
	s.metrics.JobFinished(string(domain.JobStatusCompleted), since(job.StartedAt, now))
	return nil
}

func (s *Service) Fail(ctx context.Context, job domain.Job, owner, errMsg string) error {
	now := s.now()
	if err := s.jobs.Fail(ctx, job.ID, owner, errMsg, now); err != nil {
		return err
	}
	s.metrics.JobFinished(string(domain.JobStatusFailed), since(job.StartedAt, now))
	return nil
}

// Abort marks a processing job cancelled after its run stopped at the
// cancellation flag.
func (s *Service) Abort(ctx context.Context, job domain.Job, owner, reason string) error {
	now := s.now()
	if err := s.jobs.Abort(ctx, job.ID, owner, reason, now); err != nil {
		return err
	}
	s.metrics.JobFinished(string(domain.JobStatusCancelled), since(job.StartedAt, now))
	return nil
}

// Reap fails processing jobs whose lease lapsed.
func (s *Service) Reap(ctx context.Context) ([]domain.Job, error) {
	reaped, err := s.jobs.ReapExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if len(reaped) > 0 {
		s.metrics.JobsReaped(len(reaped))
		for _, job := range reaped {
			s.logger.WarnContext(ctx, "job lease expired", "job_id", job.ID, "execution_id", job.ExecutionID)
		}
	}
	return reaped, nil
}

func since(start *time.Time, now time.Time) time.Duration {
	if start == nil {
		return 0
	}
	return now.Sub(*start)
}

// Package worker claims pending jobs, runs them and keeps their leases alive.
// A reaper loop fails jobs whose owner stopped heartbeating.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/service/executions"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	JobTimeout        time.Duration
}

func ConfigFromEnv() (Config, error) {
	concurrency, err := env.Int("WORKER_CONCURRENCY", 4)
	if err != nil {
		return Config{}, err
	}
	poll, err := env.Duration("WORKER_POLL_INTERVAL", time.Second)
	if err != nil {
		return Config{}, err
	}
	heartbeat, err := env.Duration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	reap, err := env.Duration("WORKER_REAP_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("WORKER_JOB_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ID:                strings.TrimSpace(env.String("WORKER_ID", "")),
		Concurrency:       concurrency,
		PollInterval:      poll,
		HeartbeatInterval: heartbeat,
		ReapInterval:      reap,
		JobTimeout:        timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if c.PollInterval <= 0 || c.HeartbeatInterval <= 0 || c.ReapInterval <= 0 {
		return errors.New("worker intervals must be positive")
	}
	if c.JobTimeout <= 0 {
		return errors.New("WORKER_JOB_TIMEOUT must be positive")
	}
	return nil
}

// DefaultID combines the hostname with a random suffix so restarted
// processes never inherit a previous lease.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

type Worker struct {
	jobs       *jobs.Service
	workflows  repo.WorkflowRepository
	executions *executions.Service
	logger     *slog.Logger
	cfg        Config
}

func New(jobSvc *jobs.Service, workflows repo.WorkflowRepository, exec *executions.Service, logger *slog.Logger, cfg Config) *Worker {
	if jobSvc == nil || workflows == nil || exec == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	return &Worker{jobs: jobSvc, workflows: workflows, executions: exec, logger: logger, cfg: cfg}
}

func (w *Worker) ID() string { return w.cfg.ID }

// Run blocks until ctx is cancelled. In-flight jobs finish with their own
// timeout; new claims stop immediately.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.claimLoop(ctx, slot)
			return nil
		})
	}
	g.Go(func() error {
		w.reapLoop(ctx)
		return nil
	})
	w.logger.Info("worker started", "worker_id", w.cfg.ID, "concurrency", w.cfg.Concurrency)
	err := g.Wait()
	w.logger.Info("worker stopped", "worker_id", w.cfg.ID)
	return err
}

func (w *Worker) claimLoop(ctx context.Context, slot int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("claim failed", "worker_id", w.cfg.ID, "slot", slot, "error", err)
		}
		next := w.cfg.PollInterval
		if worked {
			next = 0
		}
		timer.Reset(next)
	}
}

func (w *Worker) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.jobs.Reap(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("reap failed", "worker_id", w.cfg.ID, "error", err)
			}
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := w.jobs.Claim(ctx, w.cfg.ID)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(parent context.Context, job domain.Job) {
	// The run outlives worker shutdown until its own timeout so the job is
	// completed instead of left for the reaper.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.JobTimeout)
	defer cancel()

	logger := w.logger.With("job_id", job.ID, "execution_id", job.ExecutionID, "workflow_id", job.WorkflowID)
	logger.Info("job claimed", "worker_id", w.cfg.ID, "attempts", job.Attempts)

	stopHeartbeat := w.heartbeat(ctx, cancel, job, logger)
	defer stopHeartbeat()

	workflow, err := w.workflows.Get(ctx, job.WorkflowID)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("load workflow: %v", err), logger)
		return
	}
	res, err := w.executions.Run(ctx, executions.RunRequest{
		ExecutionID:    job.ExecutionID,
		JobID:          job.ID,
		Workflow:       workflow,
		UserID:         job.UserID,
		TriggerType:    job.TriggerType,
		TriggerBlockID: job.TriggerBlockID,
		Input:          job.Input,
	})
	stopHeartbeat()
	if res.Status == domain.ExecutionCancelled {
		w.abort(ctx, job, res.Error, logger)
		return
	}
	if err != nil {
		msg := res.Error
		if msg == "" {
			msg = err.Error()
		}
		w.fail(ctx, job, msg, logger)
		return
	}
	if err := w.jobs.Complete(ctx, job, w.cfg.ID, res.Output); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			logger.Warn("lease lost before completion")
			return
		}
		logger.Error("complete job failed", "error", err)
		w.fail(ctx, job, err.Error(), logger)
		return
	}
	logger.Info("job completed", "duration_ms", res.Duration.Milliseconds())
}

func (w *Worker) fail(ctx context.Context, job domain.Job, msg string, logger *slog.Logger) {
	if err := w.jobs.Fail(ctx, job, w.cfg.ID, msg); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			logger.Warn("lease lost before failure was recorded")
			return
		}
		logger.Error("fail job failed", "error", err)
		return
	}
	logger.Warn("job failed", "error", msg)
}

func (w *Worker) abort(ctx context.Context, job domain.Job, reason string, logger *slog.Logger) {
	if reason == "" {
		reason = "cancelled"
	}
	if err := w.jobs.Abort(ctx, job, w.cfg.ID, reason); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			logger.Warn("lease lost before cancellation was recorded")
			return
		}
		logger.Error("abort job failed", "error", err)
		return
	}
	logger.Info("job cancelled")
}

// heartbeat extends the lease until stopped. Losing the lease cancels the run.
func (w *Worker) heartbeat(ctx context.Context, cancelRun context.CancelFunc, job domain.Job, logger *slog.Logger) func() {
	hbCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				held, err := w.jobs.Heartbeat(hbCtx, job.ID, w.cfg.ID)
				if err != nil {
					if hbCtx.Err() == nil {
						logger.Warn("heartbeat failed", "error", err)
					}
					continue
				}
				if !held {
					logger.Warn("lease lost; aborting run")
					cancelRun()
					return
				}
			}
		}
	}()
	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		stop()
		<-done
	}
}

package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
	"github.com/robfig/cron/v3"
)

func (api *engineAPI) handleCleanupJobs(w http.ResponseWriter, r *http.Request) {
	if api.cronSecret == "" {
		api.writeError(w, r, http.StatusServiceUnavailable, "cron_disabled")
		return
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(api.cronSecret)) != 1 {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	start := time.Now()
	deleted, err := api.jobs.Cleanup(r.Context(), api.jobs.Config().Retention)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"deletedCount": deleted,
		"duration":     time.Since(start).Milliseconds(),
	})
}

type scheduleConfig struct {
	CleanupSchedule string
	ReapSchedule    string
	RunTimeout      time.Duration
}

func scheduleConfigFromEnv() (scheduleConfig, error) {
	timeout, err := env.Duration("MAINTENANCE_TIMEOUT", 2*time.Minute)
	if err != nil {
		return scheduleConfig{}, err
	}
	cfg := scheduleConfig{
		CleanupSchedule: strings.TrimSpace(env.String("JOB_CLEANUP_SCHEDULE", "@hourly")),
		ReapSchedule:    strings.TrimSpace(env.String("JOB_REAP_SCHEDULE", "@every 30s")),
		RunTimeout:      timeout,
	}
	if cfg.RunTimeout <= 0 {
		return scheduleConfig{}, errors.New("MAINTENANCE_TIMEOUT must be positive")
	}
	return cfg, nil
}

type sweeper interface {
	Sweep() int
}

// newMaintenance schedules job cleanup and lease reaping. In-process event
// buffers are swept on the reap schedule. An empty schedule or "off"
// disables that task.
func newMaintenance(cfg scheduleConfig, svc *jobs.Service, events eventstream.Buffer, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	tasks := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) (int, error)
	}{
		{"cleanup", cfg.CleanupSchedule, func(ctx context.Context) (int, error) {
			return svc.Cleanup(ctx, svc.Config().Retention)
		}},
		{"reap", cfg.ReapSchedule, func(ctx context.Context) (int, error) {
			reaped, err := svc.Reap(ctx)
			return len(reaped), err
		}},
	}
	if sw, ok := events.(sweeper); ok {
		tasks = append(tasks, struct {
			name     string
			schedule string
			run      func(ctx context.Context) (int, error)
		}{"sweep", cfg.ReapSchedule, func(context.Context) (int, error) { return sw.Sweep(), nil }})
	}
	for _, task := range tasks {
		if task.schedule == "" || strings.EqualFold(task.schedule, "off") {
			continue
		}
		if _, err := c.AddFunc(task.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
			defer cancel()
			n, err := task.run(ctx)
			if err != nil {
				logger.Error("maintenance task failed", "task", task.name, "error", err)
				return
			}
			if n > 0 {
				logger.Info("maintenance task done", "task", task.name, "affected", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", task.name, task.schedule, err)
		}
	}
	return c, nil
}

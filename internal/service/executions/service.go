// Package executions runs deployed workflows with a durable execution log and
// routes cancel requests to the flag store and to in-process runs.
package executions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/cancelflag"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/runtime"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auditlog"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
	"github.com/blockflow-labs/blockflow-go/internal/service/workflows"
)

type Service struct {
	executor *runtime.Executor
	logs     repo.ExecutionLogRepository
	flags    cancelflag.Store
	local    *cancelflag.Registry
	audit    auditlog.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type Deps struct {
	Executor *runtime.Executor
	Logs     repo.ExecutionLogRepository
	Flags    cancelflag.Store
	Local    *cancelflag.Registry
	Audit    auditlog.Recorder
	Logger   *slog.Logger
}

func New(deps Deps) *Service {
	if deps.Executor == nil {
		return nil
	}
	if deps.Audit == nil {
		deps.Audit = auditlog.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		executor: deps.Executor,
		logs:     deps.Logs,
		flags:    deps.Flags,
		local:    deps.Local,
		audit:    deps.Audit,
		logger:   deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type RunRequest struct {
	ExecutionID    string
	JobID          string
	Workflow       domain.Workflow
	UserID         string
	TriggerType    string
	TriggerBlockID string
	Input          domain.Metadata
}

// Run executes the workflow's deployed snapshot. The execution log is opened
// before the first block and closed with the terminal status.
func (s *Service) Run(ctx context.Context, req RunRequest) (runtime.Result, error) {
	built, err := workflows.Deployed(req.Workflow)
	if err != nil {
		return runtime.Result{ExecutionID: req.ExecutionID, Status: domain.ExecutionError, Error: err.Error()}, err
	}

	started := s.now()
	if s.logs != nil {
		entry := domain.ExecutionLog{
			ExecutionID: req.ExecutionID,
			WorkflowID:  req.Workflow.ID,
			JobID:       req.JobID,
			Trigger:     req.TriggerType,
			Status:      domain.ExecutionRunning,
			StartedAt:   started,
		}
		if err := s.logs.Create(ctx, entry); err != nil {
			s.logger.WarnContext(ctx, "execution log create failed", "execution_id", req.ExecutionID, "error", err)
		}
	}

	res, runErr := s.executor.Execute(ctx, runtime.Request{
		ExecutionID:    req.ExecutionID,
		WorkflowID:     req.Workflow.ID,
		UserID:         req.UserID,
		Workflow:       built,
		TriggerBlockID: req.TriggerBlockID,
		TriggerType:    req.TriggerType,
		Input:          req.Input,
	})

	if s.logs != nil {
		finishCtx := context.WithoutCancel(ctx)
		if err := s.logs.Finish(finishCtx, req.ExecutionID, res.Status, res.Error, s.now()); err != nil {
			s.logger.WarnContext(ctx, "execution log finish failed", "execution_id", req.ExecutionID, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "execution finished",
		"execution_id", req.ExecutionID,
		"workflow_id", req.Workflow.ID,
		"job_id", req.JobID,
		"status", res.Status,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, runErr
}

type CancelResult struct {
	Success            bool   `json:"success"`
	ExecutionID        string `json:"executionId"`
	FlagStoreAvailable bool   `json:"flagStoreAvailable"`
}

// Cancel raises the shared flag and aborts a matching in-process run. Success
// is reported when at least one of the two reached the execution.
func (s *Service) Cancel(ctx context.Context, executionID, actor string) (CancelResult, error) {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return CancelResult{}, apperr.Validation("invalid_execution_id")
	}
	res := CancelResult{ExecutionID: executionID}
	if s.flags != nil {
		if err := s.flags.Set(ctx, executionID); err != nil {
			s.logger.WarnContext(ctx, "cancel flag write failed", "execution_id", executionID, "error", err)
		} else {
			res.FlagStoreAvailable = s.flags.Available()
			res.Success = true
		}
	}
	if s.local != nil && s.local.Cancel(executionID) {
		res.Success = true
	}
	if !res.Success {
		return res, apperr.Wrap(apperr.KindUnavailable, "cancel_unavailable", errors.New("no cancellation path reached the execution"))
	}
	if err := s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        actor,
		Action:       auditlog.ActionExecutionCancelled,
		ResourceType: "execution",
		ResourceID:   executionID,
		Payload:      map[string]any{"flag_store_available": res.FlagStoreAvailable},
	}); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "execution_id", executionID, "error", err)
	}
	return res, nil
}

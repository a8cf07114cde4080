package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

const (
	insertExecutionLogQuery = `INSERT INTO execution_logs (
		execution_id,
		workflow_id,
		job_id,
		trigger,
		status,
		started_at,
		ended_at,
		error,
		metadata
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (execution_id) DO NOTHING`

	finishExecutionLogQuery = `UPDATE execution_logs
	 SET status = $2, error = $3, ended_at = $4
	 WHERE execution_id = $1`

	selectExecutionLogQuery = `SELECT execution_id, workflow_id, job_id, trigger, status, started_at, ended_at, error, metadata
	 FROM execution_logs
	 WHERE execution_id = $1`
)

type ExecutionLogStore struct {
	db DB
}

func NewExecutionLogStore(db DB) *ExecutionLogStore {
	if db == nil {
		return nil
	}
	return &ExecutionLogStore{db: db}
}

var _ repo.ExecutionLogRepository = (*ExecutionLogStore)(nil)

func (s *ExecutionLogStore) Create(ctx context.Context, log domain.ExecutionLog) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution log store not initialized")
	}
	if strings.TrimSpace(log.ExecutionID) == "" {
		return fmt.Errorf("execution id is required")
	}
	meta, err := encodeMetadata(log.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertExecutionLogQuery,
		strings.TrimSpace(log.ExecutionID),
		strings.TrimSpace(log.WorkflowID),
		nullIfEmpty(log.JobID),
		strings.TrimSpace(log.Trigger),
		string(log.Status),
		normalizeTime(log.StartedAt),
		nullTime(log.EndedAt),
		nullIfEmpty(log.Error),
		meta,
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", classify(err))
	}
	return nil
}

func (s *ExecutionLogStore) Finish(ctx context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution log store not initialized")
	}
	res, err := s.db.ExecContext(ctx, finishExecutionLogQuery, strings.TrimSpace(executionID), string(status), nullIfEmpty(errMsg), normalizeTime(at))
	if err != nil {
		return fmt.Errorf("finish execution log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution log: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ExecutionLogStore) Get(ctx context.Context, executionID string) (domain.ExecutionLog, error) {
	if s == nil || s.db == nil {
		return domain.ExecutionLog{}, fmt.Errorf("execution log store not initialized")
	}
	var (
		log          domain.ExecutionLog
		status       string
		jobID, errS  sql.NullString
		endedAt      sql.NullTime
		metadataJSON []byte
	)
	err := s.db.QueryRowContext(ctx, selectExecutionLogQuery, strings.TrimSpace(executionID)).Scan(
		&log.ExecutionID, &log.WorkflowID, &jobID, &log.Trigger, &status, &log.StartedAt, &endedAt, &errS, &metadataJSON,
	)
	if err != nil {
		return domain.ExecutionLog{}, handleNotFound(err)
	}
	log.Status = domain.ExecutionStatus(status)
	log.JobID = jobID.String
	log.Error = errS.String
	log.StartedAt = log.StartedAt.UTC()
	log.EndedAt = timePtr(endedAt)
	if log.Metadata, err = decodeMetadata(metadataJSON); err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("decode metadata: %w", err)
	}
	return log, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

const jobColumns = `job_id, user_id, workflow_id, execution_id, status, priority, created_at, started_at,
	estimated_start_time, completed_at, input, output, output_ref, error, trigger_type, trigger_block_id,
	idempotency_key, lease_owner, lease_expires_at, attempts`

const (
	insertJobQuery = `INSERT INTO async_jobs (
		job_id,
		user_id,
		workflow_id,
		execution_id,
		status,
		priority,
		created_at,
		estimated_start_time,
		input,
		trigger_type,
		trigger_block_id,
		idempotency_key
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (workflow_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	RETURNING ` + jobColumns

	selectJobByIdempotencyQuery = `SELECT ` + jobColumns + `
	 FROM async_jobs
	 WHERE workflow_id = $1 AND idempotency_key = $2`

	selectJobForUserQuery = `SELECT ` + jobColumns + `
	 FROM async_jobs
	 WHERE user_id = $1 AND job_id = $2`

	selectJobByIDQuery = `SELECT ` + jobColumns + `
	 FROM async_jobs
	 WHERE job_id = $1`

	countAheadQuery = `SELECT count(*)
	 FROM async_jobs
	 WHERE status = 'pending' AND priority = $1 AND (created_at, job_id) < ($2, $3)`

	averageDurationQuery = `SELECT COALESCE(EXTRACT(EPOCH FROM avg(completed_at - started_at)), 0)::float8, count(*)
	 FROM (
		SELECT started_at, completed_at
		FROM async_jobs
		WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT $1
	 ) recent`

	cancelJobQuery = `UPDATE async_jobs
	 SET status = 'cancelled', completed_at = $3
	 WHERE job_id = $1 AND user_id = $2 AND status = 'pending'`

	claimJobQuery = `UPDATE async_jobs
	 SET status = 'processing',
		lease_owner = $1,
		lease_expires_at = $2,
		started_at = COALESCE(started_at, $3),
		attempts = attempts + 1
	 WHERE job_id = (
		SELECT job_id
		FROM async_jobs
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at, job_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	 ) AND status = 'pending'
	 RETURNING ` + jobColumns

	heartbeatJobQuery = `UPDATE async_jobs
	 SET lease_expires_at = $3
	 WHERE job_id = $1 AND lease_owner = $2 AND status = 'processing'`

	completeJobQuery = `UPDATE async_jobs
	 SET status = 'completed', output = $3, output_ref = $4, completed_at = $5, lease_owner = NULL, lease_expires_at = NULL
	 WHERE job_id = $1 AND lease_owner = $2 AND status = 'processing'`

	failJobQuery = `UPDATE async_jobs
	 SET status = 'failed', error = $3, completed_at = $4, lease_owner = NULL, lease_expires_at = NULL
	 WHERE job_id = $1 AND lease_owner = $2 AND status = 'processing'`

	abortJobQuery = `UPDATE async_jobs
	 SET status = 'cancelled', error = $3, completed_at = $4, lease_owner = NULL, lease_expires_at = NULL
	 WHERE job_id = $1 AND lease_owner = $2 AND status = 'processing'`

	reapJobsQuery = `UPDATE async_jobs
	 SET status = 'failed', error = 'lease_expired', completed_at = $1, lease_owner = NULL, lease_expires_at = NULL
	 WHERE status = 'processing' AND lease_expires_at < $1
	 RETURNING ` + jobColumns

	deleteJobsBeforeQuery = `DELETE FROM async_jobs WHERE created_at < $1`
)

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

var _ repo.JobRepository = (*JobStore)(nil)

func (s *JobStore) Create(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, false, fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, false, err
	}
	inputJSON, err := encodeMetadata(job.Input)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("encode input: %w", err)
	}
	row := s.db.QueryRowContext(
		ctx,
		insertJobQuery,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.UserID),
		strings.TrimSpace(job.WorkflowID),
		strings.TrimSpace(job.ExecutionID),
		string(domain.JobStatusPending),
		job.Priority,
		normalizeTime(job.CreatedAt),
		nullTime(job.EstimatedStartTime),
		inputJSON,
		strings.TrimSpace(job.TriggerType),
		nullIfEmpty(job.TriggerBlockID),
		nullIfEmpty(job.IdempotencyKey),
	)
	created, err := scanJob(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, fmt.Errorf("insert job: %w", classify(err))
		}
		existing, err := scanJob(s.db.QueryRowContext(ctx, selectJobByIdempotencyQuery, strings.TrimSpace(job.WorkflowID), strings.TrimSpace(job.IdempotencyKey)))
		if err != nil {
			return domain.Job{}, false, handleNotFound(err)
		}
		return existing, false, nil
	}
	return created, true, nil
}

func (s *JobStore) Get(ctx context.Context, userID, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobForUserQuery, strings.TrimSpace(userID), strings.TrimSpace(id)))
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) GetByID(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobByIDQuery, strings.TrimSpace(id)))
	if err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("job store not initialized")
	}
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, 0, fmt.Errorf("user id is required")
	}
	clauses := []string{"user_id = $1"}
	args := []any{strings.TrimSpace(filter.UserID)}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM async_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := "SELECT " + jobColumns + " FROM async_jobs" + where + " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *JobStore) CountAhead(ctx context.Context, job domain.Job) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("job store not initialized")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, countAheadQuery, job.Priority, job.CreatedAt.UTC(), job.ID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs ahead: %w", err)
	}
	return n, nil
}

func (s *JobStore) AverageDuration(ctx context.Context, sample int) (time.Duration, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("job store not initialized")
	}
	if sample <= 0 {
		sample = 100
	}
	var seconds float64
	var n int
	if err := s.db.QueryRowContext(ctx, averageDurationQuery, sample).Scan(&seconds, &n); err != nil {
		return 0, false, fmt.Errorf("average job duration: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return time.Duration(seconds * float64(time.Second)), true, nil
}

func (s *JobStore) CountByStatus(ctx context.Context, userID string) (domain.JobStatusCounts, error) {
	var counts domain.JobStatusCounts
	if s == nil || s.db == nil {
		return counts, fmt.Errorf("job store not initialized")
	}
	query := "SELECT status, count(*) FROM async_jobs"
	var args []any
	if strings.TrimSpace(userID) != "" {
		query += " WHERE user_id = $1"
		args = append(args, strings.TrimSpace(userID))
	}
	query += " GROUP BY status"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan job counts: %w", err)
		}
		counts.Add(domain.JobStatus(status), n)
	}
	return counts, rows.Err()
}

func (s *JobStore) Cancel(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(ctx, cancelJobQuery, strings.TrimSpace(id), strings.TrimSpace(userID), normalizeTime(at))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return n == 1, nil
}

func (s *JobStore) Claim(ctx context.Context, owner string, lease time.Duration, now time.Time) (domain.Job, bool, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, false, fmt.Errorf("job store not initialized")
	}
	now = normalizeTime(now)
	job, err := scanJob(s.db.QueryRowContext(ctx, claimJobQuery, strings.TrimSpace(owner), now.Add(lease), now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (s *JobStore) Heartbeat(ctx context.Context, id, owner string, lease time.Duration, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(ctx, heartbeatJobQuery, strings.TrimSpace(id), strings.TrimSpace(owner), normalizeTime(now).Add(lease))
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return n == 1, nil
}

func (s *JobStore) Complete(ctx context.Context, id, owner string, output domain.Metadata, outputRef string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	var outputJSON []byte
	if output != nil {
		raw, err := encodeMetadata(output)
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		outputJSON = raw
	}
	return s.finish(ctx, completeJobQuery, id, owner, outputJSON, nullIfEmpty(outputRef), normalizeTime(at))
}

func (s *JobStore) Fail(ctx context.Context, id, owner, errMsg string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	return s.finish(ctx, failJobQuery, id, owner, strings.TrimSpace(errMsg), normalizeTime(at))
}

func (s *JobStore) Abort(ctx context.Context, id, owner, errMsg string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	return s.finish(ctx, abortJobQuery, id, owner, strings.TrimSpace(errMsg), normalizeTime(at))
}

func (s *JobStore) finish(ctx context.Context, query, id, owner string, args ...any) error {
	all := append([]any{strings.TrimSpace(id), strings.TrimSpace(owner)}, args...)
	res, err := s.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *JobStore) ReapExpired(ctx context.Context, now time.Time) ([]domain.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("job store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, reapJobsQuery, normalizeTime(now))
	if err != nil {
		return nil, fmt.Errorf("reap jobs: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reaped job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("job store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteJobsBeforeQuery, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(n), nil
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job                                          domain.Job
		status                                       string
		startedAt, estimated, completedAt, leaseExp  sql.NullTime
		inputJSON, outputJSON                        []byte
		outputRef, errMsg, triggerBlock, idemKey, lo sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.WorkflowID, &job.ExecutionID, &status, &job.Priority, &job.CreatedAt, &startedAt,
		&estimated, &completedAt, &inputJSON, &outputJSON, &outputRef, &errMsg, &job.TriggerType, &triggerBlock,
		&idemKey, &lo, &leaseExp, &job.Attempts,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.StartedAt = timePtr(startedAt)
	job.EstimatedStartTime = timePtr(estimated)
	job.CompletedAt = timePtr(completedAt)
	job.LeaseExpiresAt = timePtr(leaseExp)
	job.OutputRef = outputRef.String
	job.Error = errMsg.String
	job.TriggerBlockID = triggerBlock.String
	job.IdempotencyKey = idemKey.String
	job.LeaseOwner = lo.String
	if job.Input, err = decodeMetadata(inputJSON); err != nil {
		return domain.Job{}, fmt.Errorf("decode input: %w", err)
	}
	if len(outputJSON) > 0 {
		if job.Output, err = decodeMetadata(outputJSON); err != nil {
			return domain.Job{}, fmt.Errorf("decode output: %w", err)
		}
	}
	return job, nil
}

// Package memory holds in-process repositories used by tests and by the
// engine when DATABASE_URL is unset.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

type JobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
	// idem maps workflow_id/idempotency_key to job_id.
	idem map[string]string
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]domain.Job),
		idem: make(map[string]string),
	}
}

var _ repo.JobRepository = (*JobStore)(nil)

func cloneJob(j domain.Job) domain.Job {
	j.Input = j.Input.Clone()
	j.Output = j.Output.Clone()
	return j
}

func idemKey(workflowID, key string) string {
	return workflowID + "/" + key
}

func (s *JobStore) Create(_ context.Context, job domain.Job) (domain.Job, bool, error) {
	if err := job.Validate(); err != nil {
		return domain.Job{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if key := strings.TrimSpace(job.IdempotencyKey); key != "" {
		if id, ok := s.idem[idemKey(job.WorkflowID, key)]; ok {
			return cloneJob(s.jobs[id]), false, nil
		}
	}
	if _, exists := s.jobs[job.ID]; exists {
		return domain.Job{}, false, repo.ErrConflict
	}
	for _, existing := range s.jobs {
		if existing.ExecutionID == job.ExecutionID {
			return domain.Job{}, false, repo.ErrConflict
		}
	}
	job.Status = domain.JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Input == nil {
		job.Input = domain.Metadata{}
	}
	s.jobs[job.ID] = cloneJob(job)
	if key := strings.TrimSpace(job.IdempotencyKey); key != "" {
		s.idem[idemKey(job.WorkflowID, key)] = job.ID
	}
	return cloneJob(job), true, nil
}

func (s *JobStore) Get(_ context.Context, userID, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return domain.Job{}, repo.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *JobStore) GetByID(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *JobStore) List(_ context.Context, filter repo.JobFilter) ([]domain.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []domain.Job{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// ahead reports whether a is claimed before b.
func ahead(a, b domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *JobStore) CountAhead(_ context.Context, job domain.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, other := range s.jobs {
		if other.Status != domain.JobStatusPending || other.Priority != job.Priority || other.ID == job.ID {
			continue
		}
		if ahead(other, job) {
			n++
		}
	}
	return n, nil
}

func (s *JobStore) AverageDuration(_ context.Context, sample int) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample <= 0 {
		sample = 100
	}
	done := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusCompleted && job.StartedAt != nil && job.CompletedAt != nil {
			done = append(done, job)
		}
	}
	if len(done) == 0 {
		return 0, false, nil
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CompletedAt.After(*done[j].CompletedAt) })
	if len(done) > sample {
		done = done[:sample]
	}
	var total time.Duration
	for _, job := range done {
		total += job.CompletedAt.Sub(*job.StartedAt)
	}
	return total / time.Duration(len(done)), true, nil
}

func (s *JobStore) CountByStatus(_ context.Context, userID string) (domain.JobStatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts domain.JobStatusCounts
	for _, job := range s.jobs {
		if userID != "" && job.UserID != userID {
			continue
		}
		counts.Add(job.Status, 1)
	}
	return counts, nil
}

func (s *JobStore) Cancel(_ context.Context, userID, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.UserID != userID || job.Status != domain.JobStatusPending {
		return false, nil
	}
	job.Status = domain.JobStatusCancelled
	ts := at.UTC()
	job.CompletedAt = &ts
	s.jobs[id] = job
	return true, nil
}

func (s *JobStore) Claim(_ context.Context, owner string, lease time.Duration, now time.Time) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		next  domain.Job
		found bool
	)
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}
		if !found || ahead(job, next) {
			next = job
			found = true
		}
	}
	if !found {
		return domain.Job{}, false, nil
	}
	now = now.UTC()
	expires := now.Add(lease)
	next.Status = domain.JobStatusProcessing
	next.LeaseOwner = owner
	next.LeaseExpiresAt = &expires
	if next.StartedAt == nil {
		next.StartedAt = &now
	}
	next.Attempts++
	s.jobs[next.ID] = next
	return cloneJob(next), true, nil
}

func (s *JobStore) holds(id, owner string) (domain.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobStatusProcessing || job.LeaseOwner != owner {
		return domain.Job{}, false
	}
	return job, true
}

func (s *JobStore) Heartbeat(_ context.Context, id, owner string, lease time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.holds(id, owner)
	if !ok {
		return false, nil
	}
	expires := now.UTC().Add(lease)
	job.LeaseExpiresAt = &expires
	s.jobs[id] = job
	return true, nil
}

func (s *JobStore) Complete(_ context.Context, id, owner string, output domain.Metadata, outputRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.holds(id, owner)
	if !ok {
		return repo.ErrConflict
	}
	ts := at.UTC()
	job.Status = domain.JobStatusCompleted
	job.Output = output.Clone()
	job.OutputRef = outputRef
	job.CompletedAt = &ts
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	s.jobs[id] = job
	return nil
}

func (s *JobStore) Fail(_ context.Context, id, owner, errMsg string, at time.Time) error {
	return s.end(id, owner, domain.JobStatusFailed, errMsg, at)
}

func (s *JobStore) Abort(_ context.Context, id, owner, errMsg string, at time.Time) error {
	return s.end(id, owner, domain.JobStatusCancelled, errMsg, at)
}

func (s *JobStore) end(id, owner string, status domain.JobStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.holds(id, owner)
	if !ok {
		return repo.ErrConflict
	}
	ts := at.UTC()
	job.Status = status
	job.Error = errMsg
	job.CompletedAt = &ts
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	s.jobs[id] = job
	return nil
}

func (s *JobStore) ReapExpired(_ context.Context, now time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	ts := now.UTC()
	for id, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(ts) {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.Error = "lease_expired"
		job.CompletedAt = &ts
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
		s.jobs[id] = job
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *JobStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, job := range s.jobs {
		if job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			if job.IdempotencyKey != "" {
				delete(s.idem, idemKey(job.WorkflowID, job.IdempotencyKey))
			}
			n++
		}
	}
	return n, nil
}

package domain

import (
	"errors"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// NormalizeJobStatus maps free-form values to canonical statuses; unknown
// values return "".
func NormalizeJobStatus(value string) JobStatus {
	switch JobStatus(strings.ToLower(strings.TrimSpace(value))) {
	case JobStatusPending:
		return JobStatusPending
	case JobStatusProcessing:
		return JobStatusProcessing
	case JobStatusCompleted:
		return JobStatusCompleted
	case JobStatusFailed:
		return JobStatusFailed
	case JobStatusCancelled:
		return JobStatusCancelled
	default:
		return ""
	}
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionJobStatus enforces the queue's status machine. Terminal states
// never change. Processing jobs become cancelled only through their lease
// owner, after the run stopped at a cancellation flag.
func CanTransitionJobStatus(current, next JobStatus) bool {
	switch current {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	default:
		return false
	}
}

// Trigger types recorded on jobs and execution logs.
const (
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
)

// Job is a durable unit of asynchronous execution admission.
type Job struct {
	ID                 string
	UserID             string
	WorkflowID         string
	ExecutionID        string
	Status             JobStatus
	Priority           int
	Position           int
	CreatedAt          time.Time
	StartedAt          *time.Time
	EstimatedStartTime *time.Time
	CompletedAt        *time.Time
	Input              Metadata
	Output             Metadata
	OutputRef          string
	Error              string
	TriggerType        string
	TriggerBlockID     string
	IdempotencyKey     string
	LeaseOwner         string
	LeaseExpiresAt     *time.Time
	Attempts           int
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(j.WorkflowID) == "" {
		return errors.New("workflow id is required")
	}
	if strings.TrimSpace(j.ExecutionID) == "" {
		return errors.New("execution id is required")
	}
	if NormalizeJobStatus(string(j.Status)) == "" {
		return errors.New("status is invalid")
	}
	return nil
}

// JobStatusCounts is the async breakdown reported by the stats endpoint.
type JobStatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func (c *JobStatusCounts) Add(status JobStatus, n int) {
	switch status {
	case JobStatusPending:
		c.Pending += n
	case JobStatusProcessing:
		c.Processing += n
	case JobStatusCompleted:
		c.Completed += n
	case JobStatusFailed:
		c.Failed += n
	case JobStatusCancelled:
		c.Cancelled += n
	}
}

func (c JobStatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Cancelled
}

package domain

import "time"

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionComplete  ExecutionStatus = "complete"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionComplete || s == ExecutionError || s == ExecutionCancelled
}

// Event types appended to an execution's stream.
const (
	EventExecutionStarted   = "execution:started"
	EventBlockStarted       = "block:started"
	EventBlockCompleted     = "block:completed"
	EventBlockError         = "block:error"
	EventExecutionCompleted = "execution:completed"
	EventExecutionError     = "execution:error"
	EventExecutionCancelled = "execution:cancelled"
)

// ExecutionEvent is one entry of the append-only stream. EventID is assigned by
// the buffer and increases by one per append.
type ExecutionEvent struct {
	EventID     int64     `json:"eventId"`
	ExecutionID string    `json:"executionId"`
	Type        string    `json:"type"`
	BlockID     string    `json:"blockId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        Metadata  `json:"data,omitempty"`
}

// ExecutionMeta describes a buffered execution.
type ExecutionMeta struct {
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	UserID      string          `json:"userId"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ExecutionLog is the durable audit record of one run, including triggers that
// fired but never ran.
type ExecutionLog struct {
	ExecutionID string
	WorkflowID  string
	JobID       string
	Trigger     string
	Status      ExecutionStatus
	StartedAt   time.Time
	EndedAt     *time.Time
	Error       string
	Metadata    Metadata
}

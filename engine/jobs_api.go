package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/syncqueue"
	"github.com/blockflow-labs/blockflow-go/internal/service/jobs"
)

type jobView struct {
	JobID              string          `json:"jobId"`
	WorkflowID         string          `json:"workflowId"`
	ExecutionID        string          `json:"executionId"`
	Status             string          `json:"status"`
	Priority           int             `json:"priority"`
	Position           int             `json:"position"`
	CreatedAt          time.Time       `json:"createdAt"`
	StartedAt          *time.Time      `json:"startedAt"`
	EstimatedStartTime *time.Time      `json:"estimatedStartTime,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt"`
	TriggerType        string          `json:"triggerType"`
	Output             domain.Metadata `json:"output,omitempty"`
	Error              string          `json:"error,omitempty"`
}

func newJobView(job domain.Job) jobView {
	v := jobView{
		JobID:       job.ID,
		WorkflowID:  job.WorkflowID,
		ExecutionID: job.ExecutionID,
		Status:      string(job.Status),
		Priority:    job.Priority,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		TriggerType: job.TriggerType,
		Output:      job.Output,
		Error:       job.Error,
	}
	// Position only means something while the job waits in the queue.
	if job.Status == domain.JobStatusPending {
		v.Position = job.Position
		v.EstimatedStartTime = job.EstimatedStartTime
	}
	return v
}

func (api *engineAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	job, err := api.jobs.Get(r.Context(), userID, r.PathValue("jobId"))
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, newJobView(job))
}

func (api *engineAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	res, err := api.jobs.ListForUser(r.Context(), jobs.ListRequest{
		UserID: userID,
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(res.Jobs))
	for _, job := range res.Jobs {
		views = append(views, newJobView(job))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"jobs": views,
		"pagination": map[string]any{
			"limit":   res.Limit,
			"offset":  res.Offset,
			"total":   res.Total,
			"hasMore": res.Offset+len(res.Jobs) < res.Total,
		},
	})
}

func (api *engineAPI) handleJobStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	counts, err := api.jobs.Stats(r.Context(), userID)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	var sync syncqueue.Stats
	if api.syncPool != nil {
		sync = api.syncPool.Stats()
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"async": map[string]any{
			"pending":    counts.Pending,
			"processing": counts.Processing,
			"completed":  counts.Completed,
			"failed":     counts.Failed,
			"cancelled":  counts.Cancelled,
			"total":      counts.Total(),
		},
		"sync": sync,
	})
}

// handleCancelJob cancels a pending job. Jobs that already started, finished
// or belong to someone else cannot be cancelled here.
func (api *engineAPI) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	jobID := strings.TrimSpace(r.PathValue("jobId"))
	cancelled, err := api.jobs.Cancel(r.Context(), userID, jobID)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	if cancelled {
		api.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"jobId":   jobID,
			"status":  domain.JobStatusCancelled,
		})
		return
	}
	job, err := api.jobs.Get(r.Context(), userID, jobID)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeAppError(w, r, &apperr.Error{
		Kind:    apperr.KindValidation,
		Code:    "job_not_cancellable",
		Message: "job cannot be cancelled; status is " + string(job.Status),
		Err:     errors.New("job not pending"),
	})
}

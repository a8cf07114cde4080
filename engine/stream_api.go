package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/eventstream"
	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
)

const (
	streamBatch     = 200
	streamHeartbeat = 15 * time.Second
)

func writeSSE(w io.Writer, id int64, payload any) error {
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func writeDone(w io.Writer) {
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleStreamExecution replays buffered events after ?from and follows the
// buffer until the execution reaches a terminal status or the stream cap.
func (api *engineAPI) handleStreamExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	workflowID := r.PathValue("workflowId")
	executionID := r.PathValue("executionId")
	if _, err := api.workflows.Authorize(r.Context(), workflowID, userID, auth.RoleViewer); err != nil {
		api.writeAppError(w, r, err)
		return
	}

	var from int64
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_from")
			return
		}
		from = v
	}

	meta, err := api.events.Meta(r.Context(), executionID)
	if errors.Is(err, eventstream.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		return
	}
	if err != nil {
		api.logger.ErrorContext(r.Context(), "read execution meta", "execution_id", executionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	if meta.WorkflowID != workflowID {
		api.writeError(w, r, http.StatusForbidden, "workflow_mismatch")
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	api.metrics.StreamClientDelta(1)
	defer api.metrics.StreamClientDelta(-1)

	ctx, cancel := context.WithTimeout(r.Context(), api.stream.MaxDuration)
	defer cancel()

	if err := api.followStream(ctx, w, executionID, from); err != nil {
		if r.Context().Err() != nil {
			return
		}
		api.logger.WarnContext(r.Context(), "execution stream failed", "execution_id", executionID, "error", err)
		_ = writeSSE(w, 0, domain.ExecutionEvent{
			ExecutionID: executionID,
			Type:        domain.EventExecutionError,
			Timestamp:   api.now(),
			Data:        domain.Metadata{"error": "stream_failed"},
		})
	}
	if r.Context().Err() == nil {
		writeDone(w)
	}
}

// followStream returns nil once the execution is terminal and drained, or when
// ctx expires. Client disconnect surfaces as ctx.Err and ends only the loop.
func (api *engineAPI) followStream(ctx context.Context, w io.Writer, executionID string, from int64) error {
	poll := time.NewTicker(api.stream.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	cursor := from
	for {
		// Status is read before draining so a terminal status guarantees the
		// final events were already appended.
		meta, err := api.events.Meta(ctx, executionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for {
			events, err := api.events.ReadAfter(ctx, executionID, cursor, streamBatch)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for _, ev := range events {
				if err := writeSSE(w, ev.EventID, ev); err != nil {
					return nil
				}
				cursor = ev.EventID
			}
			if len(events) < streamBatch {
				break
			}
		}
		if meta.Status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return nil
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		case <-poll.C:
		}
	}
}

func (api *engineAPI) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	userID, ok := api.callerID(w, r)
	if !ok {
		return
	}
	workflowID := r.PathValue("workflowId")
	executionID := r.PathValue("executionId")
	if _, err := api.workflows.Authorize(r.Context(), workflowID, userID, auth.RoleEditor); err != nil {
		api.writeAppError(w, r, err)
		return
	}
	if meta, err := api.events.Meta(r.Context(), executionID); err == nil && meta.WorkflowID != workflowID {
		api.writeError(w, r, http.StatusForbidden, "workflow_mismatch")
		return
	}
	res, err := api.executions.Cancel(r.Context(), executionID, userID)
	if err != nil {
		api.writeAppError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, res)
}

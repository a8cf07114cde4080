package auditlog

import (
	"context"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/platform/auth"
)

// AuthDenyFunc adapts a Recorder to the auth middleware's audit hook.
func AuthDenyFunc(rec Recorder, service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		if rec == nil {
			return nil
		}
		return rec.Record(ctx, Event{
			OccurredAt:   event.Time,
			Actor:        strings.TrimSpace(event.Subject),
			Action:       actionAuthPrefix + strings.TrimSpace(event.Reason),
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			IP:           ClientIP(event.RemoteAddr),
			UserAgent:    event.UserAgent,
			Payload: map[string]any{
				"service": service,
				"status":  event.Status,
				"reason":  event.Reason,
				"error":   event.Error,
			},
		})
	}
}

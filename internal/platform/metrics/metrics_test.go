package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.JobEnqueued("webhook")
	m.JobFinished("completed", time.Second)
	m.ObserveHTTP("engine", "GET", 200, time.Millisecond)
	m.WebhookRequest("", "accepted")
	m.StreamClientDelta(1)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.JobEnqueued("webhook")
	m.WebhookRequest("github", "accepted")
	m.SetSyncActive(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`blockflow_jobs_enqueued_total{trigger="webhook"} 1`,
		`blockflow_webhook_requests_total{outcome="accepted",provider="github"} 1`,
		`blockflow_sync_executions_active 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

package apispec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blockflow-labs/blockflow-go/api"
)

func TestEmbeddedContractIsValid(t *testing.T) {
	t.Parallel()

	spec, err := Load(context.Background(), api.OpenAPI)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, op := range []struct{ method, path string }{
		{http.MethodGet, "/jobs/{jobId}"},
		{http.MethodDelete, "/jobs/{jobId}"},
		{http.MethodPost, "/webhooks/trigger/{path}"},
		{http.MethodGet, "/executions/{workflowId}/{executionId}/stream"},
		{http.MethodGet, "/cron/cleanup-jobs"},
	} {
		if !spec.Has(op.method, op.path) {
			t.Fatalf("missing %s %s", op.method, op.path)
		}
	}
	if len(spec.Operations()) < 15 {
		t.Fatalf("expected at least 15 operations, got %d", len(spec.Operations()))
	}
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	t.Parallel()

	_, err := Load(context.Background(), []byte("openapi: 3.0.3\ninfo: {}\npaths: {}\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestHandlerServesRawDocument(t *testing.T) {
	t.Parallel()

	spec, err := Load(context.Background(), api.OpenAPI)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := httptest.NewRecorder()
	spec.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "openapi: 3.0.3") {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String()[:20])
	}
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/repo/memory"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func serve(t *testing.T, m Middleware, path string, header http.Header) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := IdentityFromContext(r.Context()); !ok && m.SkipPrefixes == nil {
			t.Fatalf("identity missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "http://example.test"+path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func TestMiddleware_Unauthorized(t *testing.T) {
	var denied []DenyEvent
	m := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
		Audit: func(_ context.Context, e DenyEvent) error {
			denied = append(denied, e)
			return nil
		},
	}
	rec, called := serve(t, m, "/jobs", http.Header{"X-Request-Id": {"rid-1"}})
	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["error"] != "unauthorized" || body["request_id"] != "rid-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if len(denied) != 1 || denied[0].Reason != "unauthorized" {
		t.Fatalf("expected one audited deny, got %+v", denied)
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	m := Middleware{Authenticator: &testAuthenticator{err: errors.New("bad token")}}
	rec, _ := serve(t, m, "/jobs", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "invalid_token" {
		t.Fatalf("error=%v, want invalid_token", body["error"])
	}
}

func TestMiddleware_SkipPrefixes(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	m := Middleware{Authenticator: authn, SkipPrefixes: []string{"/webhooks/trigger/"}}
	rec, called := serve(t, m, "/webhooks/trigger/abc", nil)
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected skipped path to reach handler, status=%d", rec.Code)
	}
	if authn.calls != 0 {
		t.Fatalf("authenticator should not run for skipped paths")
	}
}

func TestAPIKeyAuthenticator(t *testing.T) {
	keys := memory.NewAPIKeyStore()
	ctx := context.Background()
	if err := keys.Create(ctx, domain.APIKey{ID: "k1", UserID: "user-1", KeyHash: HashAPIKey("secret")}); err != nil {
		t.Fatalf("create key: %v", err)
	}
	revokedAt := time.Unix(10, 0)
	if err := keys.Create(ctx, domain.APIKey{ID: "k2", UserID: "user-2", KeyHash: HashAPIKey("old"), RevokedAt: &revokedAt}); err != nil {
		t.Fatalf("create key: %v", err)
	}
	a := &APIKeyAuthenticator{Keys: keys, Now: func() time.Time { return time.Unix(100, 0) }}

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	if _, err := a.Authenticate(ctx, req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("missing header err=%v", err)
	}

	req.Header.Set(HeaderAPIKey, "secret")
	id, err := a.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Subject != "user-1" || id.APIKeyID != "k1" {
		t.Fatalf("identity = %+v", id)
	}
	stored, _ := keys.GetByHash(ctx, HashAPIKey("secret"))
	if stored.LastUsedAt == nil {
		t.Fatalf("expected last_used_at to be recorded")
	}

	req.Header.Set(HeaderAPIKey, "old")
	if _, err := a.Authenticate(ctx, req); !errors.Is(err, ErrAPIKeyRevoked) {
		t.Fatalf("revoked key err=%v", err)
	}
	req.Header.Set(HeaderAPIKey, "nope")
	if _, err := a.Authenticate(ctx, req); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown key should be an invalid credential, got %v", err)
	}
}

func TestChainFallsThroughUnauthenticated(t *testing.T) {
	first := &testAuthenticator{err: ErrUnauthenticated}
	second := &testAuthenticator{identity: Identity{Subject: "u"}}
	id, err := Chain{first, second}.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || id.Subject != "u" {
		t.Fatalf("id=%+v err=%v", id, err)
	}
	failing := &testAuthenticator{err: errors.New("expired")}
	if _, err := (Chain{failing, second}).Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatalf("expected hard failure to stop the chain")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Mode: ModeOIDC, RolesClaim: "roles", EmailClaim: "email"}).Validate(); err == nil {
		t.Fatalf("expected issuer to be required for oidc")
	}
	if err := (Config{Mode: ModeAPIKey}).Validate(); err != nil {
		t.Fatalf("apikey mode: %v", err)
	}
	if err := (Config{Mode: "magic"}).Validate(); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}

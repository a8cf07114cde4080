package requestid

import (
	"context"
	"encoding/hex"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(id) != 32 {
		t.Fatalf("New() len=%d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("New()=%q not hex: %v", id, err)
	}
}

func TestFromRequest_PrefersContext(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.test/", nil)
	req.Header.Set(Header, "from-header")
	if got := FromRequest(req); got != "from-header" {
		t.Fatalf("FromRequest()=%q, want from-header", got)
	}
	req = req.WithContext(WithContext(context.Background(), "from-ctx"))
	if got := FromRequest(req); got != "from-ctx" {
		t.Fatalf("FromRequest()=%q, want from-ctx", got)
	}
}

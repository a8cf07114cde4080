package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindAuthentication:     http.StatusUnauthorized,
		KindAuthorization:      http.StatusForbidden,
		KindValidation:         http.StatusBadRequest,
		KindNotFound:           http.StatusNotFound,
		KindDeploymentMismatch: http.StatusNotFound,
		KindRateLimit:          http.StatusTooManyRequests,
		KindUsageLimit:         http.StatusPaymentRequired,
		KindConflict:           http.StatusConflict,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusFor(kind); got != want {
			t.Fatalf("StatusFor(%s)=%d, want %d", kind, got, want)
		}
	}
}

func TestFromWrapsUnknownAsInternal(t *testing.T) {
	e := From(errors.New("boom"))
	if e.Kind != KindInternal || e.Code != "internal_error" {
		t.Fatalf("From()=%+v, want internal_error", e)
	}
	if From(nil) != nil {
		t.Fatalf("From(nil) should be nil")
	}
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := RateLimited("rate_limit_exceeded", time.Second)
	wrapped := fmt.Errorf("dispatch: %w", base)
	if !errors.Is(wrapped, &Error{Kind: KindRateLimit}) {
		t.Fatalf("expected kind match through wrapping")
	}
	if errors.Is(wrapped, &Error{Kind: KindRateLimit, Code: "other"}) {
		t.Fatalf("code mismatch should not match")
	}
	if KindOf(wrapped) != KindRateLimit {
		t.Fatalf("KindOf()=%s, want rate_limit", KindOf(wrapped))
	}
}

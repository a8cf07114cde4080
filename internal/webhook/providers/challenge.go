// Package providers implements the per-provider parts of webhook ingestion:
// validation handshakes, signature checks and delivery ids.
package providers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
)

// Request is an inbound delivery after body parsing. RawBody is the exact byte
// sequence signatures are computed over.
type Request struct {
	Method  string
	Header  http.Header
	Query   url.Values
	RawBody []byte
	Body    map[string]any
}

// QueryChallenge is a handshake carried in the query string.
type QueryChallenge struct {
	Provider string
	Echo     string
	// VerifyToken must match the webhook's configured verify token when set.
	VerifyToken string
}

// DetectQueryChallenge inspects only the query string.
func DetectQueryChallenge(q url.Values) (QueryChallenge, bool) {
	if token := q.Get("validationToken"); token != "" {
		return QueryChallenge{Provider: domain.ProviderMSGraph, Echo: token}, true
	}
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.challenge") != "" {
		return QueryChallenge{
			Provider:    domain.ProviderWhatsApp,
			Echo:        q.Get("hub.challenge"),
			VerifyToken: q.Get("hub.verify_token"),
		}, true
	}
	if token := q.Get("challenge"); token != "" {
		return QueryChallenge{Provider: domain.ProviderGeneric, Echo: token}, true
	}
	return QueryChallenge{}, false
}

// NeedsWebhook reports whether the challenge must be checked against the
// stored webhook before echoing.
func (c QueryChallenge) NeedsWebhook() bool {
	return c.Provider == domain.ProviderWhatsApp
}

// VerifyAgainst checks the subscription token for providers that send one.
func (c QueryChallenge) VerifyAgainst(w domain.Webhook) bool {
	want := w.ConfigString("verifyToken")
	if want == "" {
		return true
	}
	return constantTimeEqual(want, c.VerifyToken)
}

// DetectBodyChallenge answers handshakes carried in the parsed body. The
// returned value is written as JSON.
func DetectBodyChallenge(body map[string]any) (map[string]any, bool) {
	if body == nil {
		return nil, false
	}
	typ, _ := body["type"].(string)
	challenge, _ := body["challenge"].(string)
	switch strings.TrimSpace(typ) {
	case "url_verification":
		if challenge != "" {
			return map[string]any{"challenge": challenge}, true
		}
	case "challenge":
		return map[string]any{"challenge": challenge}, true
	}
	return nil, false
}

package providers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
)

const DefaultMaxSkew = 5 * time.Minute

// Reasons reported on 401/403 responses.
const (
	ReasonMissingSignature = "missing_signature"
	ReasonInvalidSignature = "invalid_signature"
	ReasonTimestampSkew    = "timestamp_skew"
	ReasonMissingToken     = "missing_token"
	ReasonInvalidToken     = "invalid_token"
)

type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s webhook auth failed: %s", e.Provider, e.Reason)
}

func fail(provider, reason string) error {
	return &AuthError{Provider: provider, Reason: reason}
}

// Verify checks the delivery against the webhook's stored secret. Webhooks
// without a configured secret are accepted.
func Verify(w domain.Webhook, req Request, now time.Time) error {
	switch w.Provider {
	case domain.ProviderGitHub:
		return verifyGitHub(w, req)
	case domain.ProviderStripe:
		return verifyStripe(w, req, now)
	case domain.ProviderSlack:
		return verifySlack(w, req, now)
	case domain.ProviderMSTeams:
		return verifyTeams(w, req)
	case domain.ProviderTelegram:
		return verifyTelegram(w, req)
	case domain.ProviderWhatsApp:
		return verifyWhatsApp(w, req)
	case domain.ProviderMSGraph:
		return verifyGraph(w, req)
	default:
		return verifyGeneric(w, req)
	}
}

func hmacHex(newHash func() hash.Hash, key []byte, parts ...[]byte) string {
	mac := hmac.New(newHash, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func verifyGitHub(w domain.Webhook, req Request) error {
	secret := w.ConfigString("secret")
	if secret == "" {
		return nil
	}
	if sig := req.Header.Get("X-Hub-Signature-256"); sig != "" {
		want := "sha256=" + hmacHex(sha256.New, []byte(secret), req.RawBody)
		if !constantTimeEqual(want, strings.TrimSpace(sig)) {
			return fail(w.Provider, ReasonInvalidSignature)
		}
		return nil
	}
	if sig := req.Header.Get("X-Hub-Signature"); sig != "" {
		want := "sha1=" + hmacHex(sha1.New, []byte(secret), req.RawBody)
		if !constantTimeEqual(want, strings.TrimSpace(sig)) {
			return fail(w.Provider, ReasonInvalidSignature)
		}
		return nil
	}
	return fail(w.Provider, ReasonMissingSignature)
}

func verifyWhatsApp(w domain.Webhook, req Request) error {
	secret := w.ConfigString("appSecret")
	if secret == "" {
		return nil
	}
	sig := strings.TrimSpace(req.Header.Get("X-Hub-Signature-256"))
	if sig == "" {
		return fail(w.Provider, ReasonMissingSignature)
	}
	if !constantTimeEqual("sha256="+hmacHex(sha256.New, []byte(secret), req.RawBody), sig) {
		return fail(w.Provider, ReasonInvalidSignature)
	}
	return nil
}

// Stripe-Signature: t=<unix>,v1=<hex>[,v1=<hex>...]
func verifyStripe(w domain.Webhook, req Request, now time.Time) error {
	secret := w.ConfigString("webhookSecret")
	if secret == "" {
		return nil
	}
	header := req.Header.Get("Stripe-Signature")
	if header == "" {
		return fail(w.Provider, ReasonMissingSignature)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fail(w.Provider, ReasonMissingSignature)
	}
	if err := checkSkew(w.Provider, ts, now, DefaultMaxSkew); err != nil {
		return err
	}
	want := hmacHex(sha256.New, []byte(secret), []byte(ts), []byte("."), req.RawBody)
	for _, sig := range sigs {
		if constantTimeEqual(want, sig) {
			return nil
		}
	}
	return fail(w.Provider, ReasonInvalidSignature)
}

func verifySlack(w domain.Webhook, req Request, now time.Time) error {
	secret := w.ConfigString("signingSecret")
	if secret == "" {
		return nil
	}
	ts := strings.TrimSpace(req.Header.Get("X-Slack-Request-Timestamp"))
	sig := strings.TrimSpace(req.Header.Get("X-Slack-Signature"))
	if ts == "" || sig == "" {
		return fail(w.Provider, ReasonMissingSignature)
	}
	if err := checkSkew(w.Provider, ts, now, DefaultMaxSkew); err != nil {
		return err
	}
	want := "v0=" + hmacHex(sha256.New, []byte(secret), []byte("v0:"+ts+":"), req.RawBody)
	if !constantTimeEqual(want, sig) {
		return fail(w.Provider, ReasonInvalidSignature)
	}
	return nil
}

// Outgoing Teams webhooks sign the body with a base64 shared secret and send
// "Authorization: HMAC <base64 digest>".
func verifyTeams(w domain.Webhook, req Request) error {
	secret := w.ConfigString("hmacSecret")
	if secret == "" {
		return nil
	}
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	scheme, provided, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "HMAC") {
		return fail(w.Provider, ReasonMissingSignature)
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return fail(w.Provider, ReasonInvalidSignature)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(req.RawBody)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !constantTimeEqual(want, strings.TrimSpace(provided)) {
		return fail(w.Provider, ReasonInvalidSignature)
	}
	return nil
}

func verifyTelegram(w domain.Webhook, req Request) error {
	token := w.ConfigString("secretToken")
	if token == "" {
		return nil
	}
	got := req.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if got == "" {
		return fail(w.Provider, ReasonMissingToken)
	}
	if !constantTimeEqual(token, got) {
		return fail(w.Provider, ReasonInvalidToken)
	}
	return nil
}

// Graph change notifications carry clientState on every item.
func verifyGraph(w domain.Webhook, req Request) error {
	want := w.ConfigString("clientState")
	if want == "" {
		return nil
	}
	items, _ := req.Body["value"].([]any)
	if len(items) == 0 {
		return fail(w.Provider, ReasonMissingToken)
	}
	for _, item := range items {
		m, _ := item.(map[string]any)
		got, _ := m["clientState"].(string)
		if !constantTimeEqual(want, got) {
			return fail(w.Provider, ReasonInvalidToken)
		}
	}
	return nil
}

// Generic webhooks accept a bearer or custom-header token and, separately, an
// HMAC over the body in X-Webhook-Signature.
func verifyGeneric(w domain.Webhook, req Request) error {
	if token := w.ConfigString("token"); token != "" {
		var got string
		if header := w.ConfigString("secretHeaderName"); header != "" {
			got = strings.TrimSpace(req.Header.Get(header))
		} else {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if scheme, value, ok := strings.Cut(authz, " "); ok && strings.EqualFold(scheme, "bearer") {
				got = strings.TrimSpace(value)
			}
		}
		if got == "" {
			return fail(w.Provider, ReasonMissingToken)
		}
		if !constantTimeEqual(token, got) {
			return fail(w.Provider, ReasonInvalidToken)
		}
	}
	if secret := w.ConfigString("hmacSecret"); secret != "" {
		sig := strings.TrimSpace(req.Header.Get("X-Webhook-Signature"))
		if sig == "" {
			return fail(w.Provider, ReasonMissingSignature)
		}
		sig = strings.TrimPrefix(sig, "sha256=")
		if !constantTimeEqual(hmacHex(sha256.New, []byte(secret), req.RawBody), sig) {
			return fail(w.Provider, ReasonInvalidSignature)
		}
	}
	return nil
}

func checkSkew(provider, ts string, now time.Time, maxSkew time.Duration) error {
	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fail(provider, ReasonInvalidSignature)
	}
	delta := now.Sub(time.Unix(sec, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return fail(provider, ReasonTimestampSkew)
	}
	return nil
}

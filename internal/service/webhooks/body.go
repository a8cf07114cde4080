package webhooks

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/url"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/apperr"
)

// MaxBodyBytes bounds inbound webhook payloads.
const MaxBodyBytes = 1 << 20

// ParseBody decodes a JSON or form-encoded payload. Slack interactive payloads
// arrive as a form with a JSON "payload" field, which is unwrapped. An empty
// body yields an empty map.
func ParseBody(contentType string, raw []byte) (map[string]any, error) {
	if len(raw) > MaxBodyBytes {
		return nil, apperr.New(apperr.KindValidation, "payload_too_large", "webhook payload exceeds 1 MiB")
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		return parseForm(string(trimmed))
	}
	var body map[string]any
	if err := json.Unmarshal(trimmed, &body); err != nil {
		if mediaType == "" || strings.HasPrefix(mediaType, "text/") {
			return map[string]any{"raw": string(trimmed)}, nil
		}
		return nil, apperr.Validation("invalid_payload", "body is not a JSON object")
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func parseForm(raw string) (map[string]any, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, apperr.Validation("invalid_payload", "malformed form body")
	}
	if payload := values.Get("payload"); payload != "" {
		var body map[string]any
		if err := json.Unmarshal([]byte(payload), &body); err == nil && body != nil {
			return body, nil
		}
	}
	body := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			body[k] = v[0]
			continue
		}
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		body[k] = items
	}
	return body, nil
}

package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/execution/graph"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxResponseBody = 10 << 20

// HTTPHandler runs outbound requests for http blocks.
type HTTPHandler struct {
	client *http.Client
}

func NewHTTPHandler(client *http.Client) *HTTPHandler {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	}
	return &HTTPHandler{client: client}
}

func (h *HTTPHandler) Handle(ctx context.Context, in BlockInput) (domain.Metadata, error) {
	cfg, ok := in.Config.(graph.HTTPConfig)
	if !ok {
		return nil, configTypeError(in)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var body io.Reader
	if cfg.Body != nil {
		switch b := cfg.Body.(type) {
		case string:
			body = bytes.NewReader([]byte(b))
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = bytes.NewReader(raw)
			if cfg.Headers == nil {
				cfg.Headers = map[string]string{}
			}
			if _, set := cfg.Headers["Content-Type"]; !set {
				cfg.Headers["Content-Type"] = "application/json"
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.clientFor(ctx, cfg).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := domain.Metadata{
		"status":  resp.StatusCode,
		"headers": headers,
		"data":    decodeBody(raw),
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("http %s %s returned status %d", cfg.Method, cfg.URL, resp.StatusCode)
	}
	return out, nil
}

func (h *HTTPHandler) clientFor(ctx context.Context, cfg graph.HTTPConfig) *http.Client {
	if cfg.OAuth2 == nil {
		return h.client
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.OAuth2.ClientID,
		ClientSecret: cfg.OAuth2.ClientSecret,
		TokenURL:     cfg.OAuth2.TokenURL,
		Scopes:       cfg.OAuth2.Scopes,
	}
	return cc.Client(context.WithValue(ctx, oauth2.HTTPClient, h.client))
}

func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(raw)
}

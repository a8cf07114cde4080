package providers

import (
	"fmt"
	"strings"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
)

// DeliveryID extracts the provider's unique delivery identifier used as the
// job idempotency key. It returns "" when the request carries none.
func DeliveryID(provider string, req Request) string {
	switch provider {
	case domain.ProviderGitHub:
		if id := req.Header.Get("X-GitHub-Delivery"); id != "" {
			return "github:" + strings.TrimSpace(id)
		}
	case domain.ProviderStripe:
		if id, _ := req.Body["id"].(string); id != "" {
			return "stripe:" + id
		}
	case domain.ProviderSlack:
		if id, _ := req.Body["event_id"].(string); id != "" {
			return "slack:" + id
		}
	case domain.ProviderTelegram:
		if id, ok := req.Body["update_id"].(float64); ok {
			return fmt.Sprintf("telegram:%d", int64(id))
		}
	}
	if id := strings.TrimSpace(req.Header.Get("Idempotency-Key")); id != "" {
		return "key:" + id
	}
	if id := strings.TrimSpace(req.Header.Get("X-Webhook-Id")); id != "" {
		return "webhook:" + id
	}
	return ""
}

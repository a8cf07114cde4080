package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow-labs/blockflow-go/internal/repo"
)

var ErrAPIKeyRevoked = errors.New("api key revoked")

// HashAPIKey is the stored form of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

type APIKeyAuthenticator struct {
	Keys   repo.APIKeyRepository
	Logger *slog.Logger
	Now    func() time.Time
}

func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	if a.Keys == nil {
		return Identity{}, errors.New("api key store not configured")
	}
	key, err := a.Keys.GetByHash(ctx, HashAPIKey(raw))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Identity{}, fmt.Errorf("unknown api key")
		}
		return Identity{}, err
	}
	if !key.Active() {
		return Identity{}, ErrAPIKeyRevoked
	}
	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	if err := a.Keys.Touch(ctx, key.ID, now); err != nil && a.Logger != nil {
		a.Logger.Warn("api key touch failed", "api_key_id", key.ID, "error", err)
	}
	// Keys act as their owner; workflow permissions decide access.
	return Identity{
		Subject:  key.UserID,
		Roles:    []string{RoleAdmin},
		APIKeyID: key.ID,
	}, nil
}

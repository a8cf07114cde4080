package domain

import "time"

// APIKey is a hashed user credential accepted via X-API-Key.
type APIKey struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

func (k APIKey) Active() bool {
	return k.RevokedAt == nil
}

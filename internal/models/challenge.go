package models

import (
	"time"
)

// Challenge is a single-use secret issued for one ceremony. The ID doubles as
// the challenge value (base64url), matching what is sent to the client.
// UserID is empty for challenges not bound to a known user.
type Challenge struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the challenge is no longer valid at now.
// A challenge is valid strictly while now < ExpiresAt.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

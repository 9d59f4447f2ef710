package models

import (
	"time"
)

// User is the root identity record. The ID is allocated before the row is
// persisted (pending identity) so it can be embedded in registration options
// and echoed back by the client; the row itself is only written once the
// registration ceremony verifies.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	ProfileImage string    `json:"profileImage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Credential is one registered authenticator binding for a user. CredentialID
// and PublicKey are stored exactly as reported by the ceremony verifier.
// SignCount stays at 0 for authenticators that do not implement a counter.
type Credential struct {
	UserID       string     `json:"userId"`
	CredentialID string     `json:"credentialId"`
	PublicKey    []byte     `json:"publicKey"`
	SignCount    uint32     `json:"signCount"`
	Transports   []string   `json:"transports,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

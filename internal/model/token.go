package model

import (
	"time"

	"github.com/google/uuid"
)

// TokenType distinguishes access from refresh credentials.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenState is the lifecycle state of a refresh token. Revoked and Expired are terminal.
type TokenState string

const (
	TokenActive  TokenState = "active"
	TokenRevoked TokenState = "revoked"
	TokenExpired TokenState = "expired"
)

// RefreshToken represents a row of the refresh_tokens table. Only the hash of
// the opaque token is ever stored.
type RefreshToken struct {
	ID        uuid.UUID `json:"id"`
	ClientID  string    `json:"client_id"`
	TenantID  string    `json:"tenant_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// State reports the token state at now. Revocation wins over expiry.
func (t *RefreshToken) State(now time.Time) TokenState {
	if t.Revoked {
		return TokenRevoked
	}
	if !now.Before(t.ExpiresAt) {
		return TokenExpired
	}
	return TokenActive
}

// Identity is the client/tenant pair recovered from a validated access token.
type Identity struct {
	ClientID  string
	TenantID  string
	TokenID   string
	ExpiresAt time.Time
}

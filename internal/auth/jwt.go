// Package auth signs and verifies the short-lived access tokens handed to
// API clients. Tokens are HS256 JWTs bound to one client and one tenant.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

// DefaultAccessTTL is used when no lifetime is configured.
const DefaultAccessTTL = 15 * time.Minute

// Claims carried by an access token. The subject is the client id.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string          `json:"tenant_id"`
	Type     model.TokenType `json:"typ"`
}

// Signer issues and verifies access tokens with a shared secret.
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer sets and enforces the iss claim.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) { s.issuer = issuer }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner returns a Signer. An empty key is a configuration error.
func NewSigner(key []byte, ttl time.Duration, opts ...SignerOption) (*Signer, error) {
	if len(key) == 0 {
		return nil, errs.Configuration("auth.NewSigner", "signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	s := &Signer{key: key, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL is the access token lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue signs an access token for clientID scoped to tenantID.
func (s *Signer) Issue(clientID, tenantID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   clientID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: tenantID,
		Type:     model.TokenTypeAccess,
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, errs.Internal("auth.Issue", err, "sign access token")
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry and token type and returns the identity.
func (s *Signer) Verify(tokenString string) (*model.Identity, error) {
	const op = "auth.Verify"

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Auth(op, errs.ReasonExpired, "token expired")
		}
		return nil, errs.Auth(op, errs.ReasonInvalid, "invalid token")
	}
	if !token.Valid {
		return nil, errs.Auth(op, errs.ReasonInvalid, "invalid token")
	}
	if claims.Type != model.TokenTypeAccess {
		return nil, errs.Auth(op, errs.ReasonWrongType, "not an access token")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, errs.Auth(op, errs.ReasonInvalid, "invalid token")
	}

	return &model.Identity{
		ClientID:  claims.Subject,
		TenantID:  claims.TenantID,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

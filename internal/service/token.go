package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/clinic-tenant-broker/internal/crypto"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/monitoring"
)

// SessionPolicy decides what happens to a client's existing refresh tokens
// when a new one is issued.
type SessionPolicy string

const (
	// SessionSingle revokes every earlier refresh token of the client.
	SessionSingle SessionPolicy = "single"
	// SessionMulti keeps earlier tokens, one per device.
	SessionMulti SessionPolicy = "multi"
)

// ParseSessionPolicy accepts "single" or "multi"; empty means single.
func ParseSessionPolicy(s string) (SessionPolicy, error) {
	switch SessionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SessionSingle:
		return SessionSingle, nil
	case SessionMulti:
		return SessionMulti, nil
	}
	return "", errs.Configuration("ParseSessionPolicy", "unknown session policy %q", s)
}

// DefaultRefreshTTL is the refresh token lifetime when none is configured.
const DefaultRefreshTTL = 7 * 24 * time.Hour

// AccessSigner signs and verifies access tokens.
type AccessSigner interface {
	Issue(clientID, tenantID string) (string, time.Time, error)
	Verify(token string) (*model.Identity, error)
}

// RefreshTokenStore persists hashed refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *model.RefreshToken, revokePrior bool) error
	Replace(ctx context.Context, oldID uuid.UUID, next *model.RefreshToken) error
	FindActive(ctx context.Context, tokenHash string, now time.Time) (*model.RefreshToken, error)
	RevokeByHash(ctx context.Context, tokenHash string) (int64, error)
	RevokeAllForClient(ctx context.Context, clientID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AccessChecker answers whether a client may use a tenant.
type AccessChecker interface {
	Validate(ctx context.Context, clientID, secret string) (*model.Client, error)
	HasAccess(ctx context.Context, clientID, tenantID string) (bool, error)
}

// TokenOptions tunes the issuer.
type TokenOptions struct {
	RefreshTTL    time.Duration
	Policy        SessionPolicy
	RotateRefresh bool
	Now           func() time.Time
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
}

// TokenService issues, validates, rotates and revokes tokens.
type TokenService struct {
	signer  AccessSigner
	tokens  RefreshTokenStore
	clients AccessChecker
	opts    TokenOptions
}

func NewTokenService(signer AccessSigner, tokens RefreshTokenStore, clients AccessChecker, opts TokenOptions) *TokenService {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Policy == "" {
		opts.Policy = SessionSingle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TokenService{signer: signer, tokens: tokens, clients: clients, opts: opts}
}

// Login exchanges client credentials for an access and refresh token bound to tenantID.
func (s *TokenService) Login(ctx context.Context, clientID, secret, tenantID string) (*TokenPair, error) {
	const op = "TokenService.Login"

	if clientID == "" || secret == "" || tenantID == "" {
		return nil, errs.BadRequest(op, "client_id, client_secret and tenant_id are required")
	}

	if _, err := s.clients.Validate(ctx, clientID, secret); err != nil {
		s.authFailure(err)
		return nil, err
	}
	ok, err := s.clients.HasAccess(ctx, clientID, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		monitoring.AuthFailures.WithLabelValues("forbidden").Inc()
		return nil, errs.Forbidden(op, "client is not allowed to access tenant %q", tenantID)
	}

	access, exp, err := s.IssueAccessToken(clientID, tenantID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.IssueRefreshToken(ctx, clientID, tenantID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("client_id", clientID).Str("tenant_id", tenantID).Msg("Client logged in")
	return s.pair(access, refresh, exp), nil
}

// IssueAccessToken signs a short-lived access token.
func (s *TokenService) IssueAccessToken(clientID, tenantID string) (string, time.Time, error) {
	tok, exp, err := s.signer.Issue(clientID, tenantID)
	if err != nil {
		return "", time.Time{}, err
	}
	monitoring.TokensIssued.WithLabelValues(string(model.TokenTypeAccess)).Inc()
	return tok, exp, nil
}

// IssueRefreshToken creates and stores a new opaque refresh token. Only its
// hash is persisted.
func (s *TokenService) IssueRefreshToken(ctx context.Context, clientID, tenantID string) (string, error) {
	raw, rec, err := s.newRefreshToken(clientID, tenantID)
	if err != nil {
		return "", err
	}
	if err := s.tokens.Create(ctx, rec, s.opts.Policy == SessionSingle); err != nil {
		return "", err
	}
	monitoring.TokensIssued.WithLabelValues(string(model.TokenTypeRefresh)).Inc()
	return raw, nil
}

// ValidateAccessToken verifies an access token and returns its identity.
func (s *TokenService) ValidateAccessToken(token string) (*model.Identity, error) {
	id, err := s.signer.Verify(token)
	if err != nil {
		s.authFailure(err)
		return nil, err
	}
	return id, nil
}

// Rotate exchanges an active refresh token for a new access token. With
// rotation enabled the refresh token is replaced as well.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	const op = "TokenService.Rotate"

	if refreshToken == "" {
		return nil, errs.Auth(op, errs.ReasonInvalid, "refresh token is required")
	}

	rec, err := s.tokens.FindActive(ctx, crypto.HashToken(refreshToken), s.opts.Now())
	if errs.IsKind(err, errs.KindNotFound) {
		err = errs.Auth(op, errs.ReasonInvalid, "invalid or expired refresh token")
		s.authFailure(err)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	ok, err := s.clients.HasAccess(ctx, rec.ClientID, rec.TenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		err := errs.Auth(op, errs.ReasonRevoked, "client no longer has access to tenant")
		s.authFailure(err)
		return nil, err
	}

	var next string
	if s.opts.RotateRefresh {
		raw, nextRec, err := s.newRefreshToken(rec.ClientID, rec.TenantID)
		if err != nil {
			return nil, err
		}
		if err := s.tokens.Replace(ctx, rec.ID, nextRec); err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				err = errs.Auth(op, errs.ReasonRevoked, "refresh token already used")
				s.authFailure(err)
			}
			return nil, err
		}
		monitoring.TokensIssued.WithLabelValues(string(model.TokenTypeRefresh)).Inc()
		next = raw
	}

	access, exp, err := s.IssueAccessToken(rec.ClientID, rec.TenantID)
	if err != nil {
		return nil, err
	}
	return s.pair(access, next, exp), nil
}

// Revoke marks a refresh token revoked. Unknown tokens are ignored.
func (s *TokenService) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	_, err := s.tokens.RevokeByHash(ctx, crypto.HashToken(refreshToken))
	return err
}

// RevokeAll revokes every active refresh token of clientID.
func (s *TokenService) RevokeAll(ctx context.Context, clientID string) (int64, error) {
	n, err := s.tokens.RevokeAllForClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	log.Info().Str("client_id", clientID).Int64("revoked", n).Msg("Revoked all refresh tokens")
	return n, nil
}

// SweepExpired deletes expired refresh tokens.
func (s *TokenService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.opts.Now())
	if err != nil {
		return 0, err
	}
	monitoring.RefreshTokensSwept.Add(float64(n))
	return n, nil
}

func (s *TokenService) newRefreshToken(clientID, tenantID string) (string, *model.RefreshToken, error) {
	raw, err := crypto.RandomToken(crypto.RefreshTokenBytes)
	if err != nil {
		return "", nil, errs.Internal("TokenService.newRefreshToken", err, "generate refresh token")
	}
	now := s.opts.Now().UTC()
	return raw, &model.RefreshToken{
		ID:        uuid.New(),
		ClientID:  clientID,
		TenantID:  tenantID,
		TokenHash: crypto.HashToken(raw),
		ExpiresAt: now.Add(s.opts.RefreshTTL),
		CreatedAt: now,
	}, nil
}

func (s *TokenService) pair(access, refresh string, exp time.Time) *TokenPair {
	expiresIn := int64(exp.Sub(s.opts.Now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		ExpiresAt:    exp,
	}
}

func (s *TokenService) authFailure(err error) {
	if reason := errs.ReasonOf(err); reason != "" {
		monitoring.AuthFailures.WithLabelValues(reason).Inc()
	}
}

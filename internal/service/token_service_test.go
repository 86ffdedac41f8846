package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/clinic-tenant-broker/internal/auth"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

type tokenFixture struct {
	svc     *TokenService
	clients *clientFixture
	tokens  *memTokens
	now     time.Time
}

func setupTokenService(t *testing.T, opts TokenOptions) *tokenFixture {
	t.Helper()
	f := &tokenFixture{now: time.Now()}
	clock := func() time.Time { return f.now }

	f.clients = setupClientService(t, "t1", "t2")
	f.clients.create(t, "c1", "s3cret", "t1")
	f.tokens = f.clients.tokens

	signer, err := auth.NewSigner([]byte("test-signing-key"), 15*time.Minute, auth.WithClock(clock))
	require.NoError(t, err)

	opts.Now = clock
	f.svc = NewTokenService(signer, f.tokens, f.clients.svc, opts)
	return f
}

func TestTokenService_LoginWrongSecretWritesNothing(t *testing.T) {
	f := setupTokenService(t, TokenOptions{})

	pair, err := f.svc.Login(context.Background(), "c1", "wrong", "t1")
	assert.Nil(t, pair)
	assert.True(t, errs.IsKind(err, errs.KindAuth))
	assert.Zero(t, f.tokens.count())
}

func TestTokenService_LoginTenantNotAllowed(t *testing.T) {
	f := setupTokenService(t, TokenOptions{})

	_, err := f.svc.Login(context.Background(), "c1", "s3cret", "t2")
	assert.True(t, errs.IsKind(err, errs.KindForbidden))
	assert.Zero(t, f.tokens.count())
}

func TestTokenService_LoginAndValidate(t *testing.T) {
	f := setupTokenService(t, TokenOptions{})

	pair, err := f.svc.Login(context.Background(), "c1", "s3cret", "t1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.EqualValues(t, 15*60, pair.ExpiresIn)
	assert.Len(t, pair.RefreshToken, 64)
	assert.Equal(t, 1, f.tokens.count())
	assert.NotEqual(t, pair.RefreshToken, f.tokens.rows[0].TokenHash)

	id, err := f.svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "c1", id.ClientID)
	assert.Equal(t, "t1", id.TenantID)

	f.now = f.now.Add(16 * time.Minute)
	_, err = f.svc.ValidateAccessToken(pair.AccessToken)
	assert.Equal(t, errs.ReasonExpired, errs.ReasonOf(err))
}

func TestTokenService_RotateIssuesAccessOnly(t *testing.T) {
	f := setupTokenService(t, TokenOptions{})
	ctx := context.Background()

	refresh, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)

	pair, err := f.svc.Rotate(ctx, refresh)
	require.NoError(t, err)
	assert.Empty(t, pair.RefreshToken)

	id, err := f.svc.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "t1", id.TenantID)

	// Still usable: no rotation by default.
	_, err = f.svc.Rotate(ctx, refresh)
	assert.NoError(t, err)
}

func TestTokenService_RotateRevokedFails(t *testing.T) {
	f := setupTokenService(t, TokenOptions{})
	ctx := context.Background()

	refresh, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	require.NoError(t, f.svc.Revoke(ctx, refresh))
	require.NoError(t, f.svc.Revoke(ctx, refresh), "revoke is idempotent")

	pair, err := f.svc.Rotate(ctx, refresh)
	assert.Nil(t, pair)
	assert.True(t, errs.IsKind(err, errs.KindAuth))
}

func TestTokenService_RotateExpiredFails(t *testing.T) {
	f := setupTokenService(t, TokenOptions{RefreshTTL: time.Hour})
	ctx := context.Background()

	refresh, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.svc.Rotate(ctx, refresh)
	assert.True(t, errs.IsKind(err, errs.KindAuth))
}

func TestTokenService_RevokeAll(t *testing.T) {
	f := setupTokenService(t, TokenOptions{Policy: SessionMulti})
	ctx := context.Background()

	a, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	b, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)

	n, err := f.svc.RevokeAll(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, tok := range []string{a, b} {
		_, err := f.svc.Rotate(ctx, tok)
		assert.True(t, errs.IsKind(err, errs.KindAuth))
	}

	n, err = f.svc.RevokeAll(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTokenService_SessionPolicy(t *testing.T) {
	ctx := context.Background()

	single := setupTokenService(t, TokenOptions{Policy: SessionSingle})
	first, err := single.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	_, err = single.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, single.tokens.active("c1", single.now))
	_, err = single.svc.Rotate(ctx, first)
	assert.True(t, errs.IsKind(err, errs.KindAuth))

	multi := setupTokenService(t, TokenOptions{Policy: SessionMulti})
	first, err = multi.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	_, err = multi.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, multi.tokens.active("c1", multi.now))
	_, err = multi.svc.Rotate(ctx, first)
	assert.NoError(t, err)
}

func TestTokenService_RotationReplacesRefreshToken(t *testing.T) {
	f := setupTokenService(t, TokenOptions{RotateRefresh: true})
	ctx := context.Background()

	refresh, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)

	pair, err := f.svc.Rotate(ctx, refresh)
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, refresh, pair.RefreshToken)

	_, err = f.svc.Rotate(ctx, refresh)
	assert.True(t, errs.IsKind(err, errs.KindAuth), "old token must be spent")

	_, err = f.svc.Rotate(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestTokenService_RotateAfterAccessRemoved(t *testing.T) {
	f := setupTokenService(t, TokenOptions{Policy: SessionMulti})
	ctx := context.Background()

	refresh, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)

	tenants := []string{"t2"}
	_, err = f.clients.svc.Update(ctx, "c1", model.ClientUpdate{AllowedTenants: &tenants})
	require.NoError(t, err)

	_, err = f.svc.Rotate(ctx, refresh)
	assert.True(t, errs.IsKind(err, errs.KindAuth))
}

func TestTokenService_SweepExpired(t *testing.T) {
	f := setupTokenService(t, TokenOptions{RefreshTTL: time.Hour, Policy: SessionMulti})
	ctx := context.Background()

	_, err := f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)
	f.now = f.now.Add(30 * time.Minute)
	_, err = f.svc.IssueRefreshToken(ctx, "c1", "t1")
	require.NoError(t, err)

	f.now = f.now.Add(45 * time.Minute)
	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, f.tokens.count())
}

func TestParseSessionPolicy(t *testing.T) {
	p, err := ParseSessionPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SessionSingle, p)

	p, err = ParseSessionPolicy("MULTI")
	require.NoError(t, err)
	assert.Equal(t, SessionMulti, p)

	_, err = ParseSessionPolicy("sometimes")
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
}

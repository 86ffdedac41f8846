package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

const refreshTokenColumns = `id, client_id, tenant_id, token_hash, expires_at, revoked, created_at`

// RefreshTokenRepository stores hashed refresh tokens.
type RefreshTokenRepository struct {
	db *sql.DB
}

func NewRefreshTokenRepository(db *sql.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create stores tok. When revokePrior is set, every active token of the same
// client is revoked in the same transaction.
func (r *RefreshTokenRepository) Create(ctx context.Context, tok *model.RefreshToken, revokePrior bool) error {
	const op = "refresh_tokens.Create"

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if revokePrior {
			if _, err := tx.ExecContext(ctx,
				`UPDATE refresh_tokens SET revoked = TRUE WHERE client_id = $1 AND revoked = FALSE`,
				tok.ClientID,
			); err != nil {
				return errs.Internal(op, err, "revoke prior tokens for %s", tok.ClientID)
			}
		}
		if err := insertRefreshToken(ctx, tx, tok); err != nil {
			return errs.Internal(op, err, "insert refresh token")
		}
		return nil
	})
}

// Replace revokes the token identified by oldID and stores next atomically.
// It fails with NotFound if oldID was already revoked.
func (r *RefreshTokenRepository) Replace(ctx context.Context, oldID uuid.UUID, next *model.RefreshToken) error {
	const op = "refresh_tokens.Replace"

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1 AND revoked = FALSE`, oldID)
		if err != nil {
			return errs.Internal(op, err, "revoke refresh token %s", oldID)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return errs.Internal(op, err, "revoke refresh token %s", oldID)
		}
		if rows == 0 {
			return errs.NotFound(op, "refresh token already used")
		}
		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return errs.Internal(op, err, "insert refresh token")
		}
		return nil
	})
}

// FindActive returns the unrevoked, unexpired token with the given hash.
func (r *RefreshTokenRepository) FindActive(ctx context.Context, tokenHash string, now time.Time) (*model.RefreshToken, error) {
	const op = "refresh_tokens.FindActive"

	tok := &model.RefreshToken{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1 AND revoked = FALSE AND expires_at > $2`,
		tokenHash, now,
	).Scan(&tok.ID, &tok.ClientID, &tok.TenantID, &tok.TokenHash, &tok.ExpiresAt, &tok.Revoked, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(op, "refresh token not found")
	}
	if err != nil {
		return nil, errs.Internal(op, err, "query refresh token")
	}
	return tok, nil
}

// RevokeByHash revokes a single token. Revoking an unknown or revoked token is a no-op.
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string) (int64, error) {
	return r.exec(ctx, "refresh_tokens.RevokeByHash",
		`UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1 AND revoked = FALSE`, tokenHash)
}

// RevokeAllForClient revokes every active token of clientID.
func (r *RefreshTokenRepository) RevokeAllForClient(ctx context.Context, clientID string) (int64, error) {
	return r.exec(ctx, "refresh_tokens.RevokeAllForClient",
		`UPDATE refresh_tokens SET revoked = TRUE WHERE client_id = $1 AND revoked = FALSE`, clientID)
}

// DeleteExpired removes tokens whose expiry is before now.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, "refresh_tokens.DeleteExpired",
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
}

func (r *RefreshTokenRepository) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errs.Internal(op, err, "exec")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errs.Internal(op, err, "rows affected")
	}
	return rows, nil
}

func insertRefreshToken(ctx context.Context, tx *sql.Tx, tok *model.RefreshToken) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (`+refreshTokenColumns+`) VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		tok.ID, tok.ClientID, tok.TenantID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt,
	)
	return err
}

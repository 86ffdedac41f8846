package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
)

// uniqueViolation is the postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// AdminDBOptions sizes the administrative database pool.
type AdminDBOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenAdminDB opens the administrative database that holds tenants, clients
// and refresh tokens, and verifies it is reachable.
func OpenAdminDB(ctx context.Context, dsn string, opts AdminDBOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Connection("store.OpenAdminDB", err, "open admin database")
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Connection("store.OpenAdminDB", err, "ping admin database")
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	const op = "store.withTx"
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Internal(op, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Internal(op, err, "commit transaction")
	}
	return nil
}

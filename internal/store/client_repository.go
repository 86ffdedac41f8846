package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

const clientColumns = `client_id, secret_hash, name, allowed_tenants, active, created_at, updated_at`

// ClientChanges is a partial update to a client row. Nil fields are left unchanged.
type ClientChanges struct {
	Name           *string
	SecretHash     *string
	AllowedTenants *[]string
}

// ClientRepository persists API clients. allowed_tenants is stored as a JSONB array.
type ClientRepository struct {
	db *sql.DB
}

func NewClientRepository(db *sql.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// Get returns the client regardless of its active flag.
func (r *ClientRepository) Get(ctx context.Context, clientID string) (*model.Client, error) {
	const op = "clients.Get"

	c, err := scanClient(r.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(op, "client %q not found", clientID)
	}
	if err != nil {
		return nil, errs.Internal(op, err, "query client %s", clientID)
	}
	return c, nil
}

// ListActive returns active clients ordered by id.
func (r *ClientRepository) ListActive(ctx context.Context) ([]*model.Client, error) {
	const op = "clients.ListActive"

	rows, err := r.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE active = TRUE ORDER BY client_id`)
	if err != nil {
		return nil, errs.Internal(op, err, "query clients")
	}
	defer rows.Close()

	var clients []*model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, errs.Internal(op, err, "scan client")
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(op, err, "iterate clients")
	}
	return clients, nil
}

// Create inserts an active client. A duplicate client_id fails with a conflict.
func (r *ClientRepository) Create(ctx context.Context, c *model.Client) error {
	const op = "clients.Create"

	tenants, err := json.Marshal(nonNil(c.AllowedTenants))
	if err != nil {
		return errs.Internal(op, err, "encode allowed tenants")
	}
	now := time.Now().UTC()
	c.Active = true
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ClientID, c.SecretHash, c.Name, string(tenants), c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errs.Conflict(op, "client %q already exists", c.ClientID)
	}
	if err != nil {
		return errs.Internal(op, err, "insert client %s", c.ClientID)
	}
	return nil
}

// Update applies changes to an active client and returns the stored row.
func (r *ClientRepository) Update(ctx context.Context, clientID string, ch ClientChanges) (*model.Client, error) {
	const op = "clients.Update"

	var name, hash, tenants sql.NullString
	if ch.Name != nil {
		name = sql.NullString{String: *ch.Name, Valid: true}
	}
	if ch.SecretHash != nil {
		hash = sql.NullString{String: *ch.SecretHash, Valid: true}
	}
	if ch.AllowedTenants != nil {
		data, err := json.Marshal(nonNil(*ch.AllowedTenants))
		if err != nil {
			return nil, errs.Internal(op, err, "encode allowed tenants")
		}
		tenants = sql.NullString{String: string(data), Valid: true}
	}

	query := `UPDATE clients SET name = COALESCE($2, name), secret_hash = COALESCE($3, secret_hash),
              allowed_tenants = COALESCE($4::jsonb, allowed_tenants), updated_at = $5
              WHERE client_id = $1 AND active = TRUE
              RETURNING ` + clientColumns
	c, err := scanClient(r.db.QueryRowContext(ctx, query, clientID, name, hash, tenants, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(op, "client %q not found", clientID)
	}
	if err != nil {
		return nil, errs.Internal(op, err, "update client %s", clientID)
	}
	return c, nil
}

// Deactivate marks an active client inactive.
func (r *ClientRepository) Deactivate(ctx context.Context, clientID string) error {
	const op = "clients.Deactivate"

	result, err := r.db.ExecContext(ctx,
		`UPDATE clients SET active = FALSE, updated_at = $2 WHERE client_id = $1 AND active = TRUE`,
		clientID, time.Now().UTC(),
	)
	if err != nil {
		return errs.Internal(op, err, "deactivate client %s", clientID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errs.Internal(op, err, "deactivate client %s", clientID)
	}
	if rows == 0 {
		return errs.NotFound(op, "client %q not found", clientID)
	}
	return nil
}

func scanClient(row rowScanner) (*model.Client, error) {
	c := &model.Client{}
	var tenants []byte
	if err := row.Scan(&c.ClientID, &c.SecretHash, &c.Name, &tenants, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(tenants) > 0 {
		if err := json.Unmarshal(tenants, &c.AllowedTenants); err != nil {
			return nil, err
		}
	}
	if c.AllowedTenants == nil {
		c.AllowedTenants = []string{}
	}
	return c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/clinic-tenant-broker/internal/crypto"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

// RedisClient is the subset of the redis client used for the tenant cache.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// fillScript writes KEYS[1] only if the version in KEYS[2] still equals
// ARGV[1]; a missing version reads as "0".
var fillScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// evictScript bumps the version in KEYS[2] and drops the entry in KEYS[1],
// so fills that read the old version are rejected.
var evictScript = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1])
return 1
`)

const tenantColumns = `tenant_id, name, engine, host, port, db_user, password_enc, password_iv, password_ref, database_name, created_at, updated_at`

// tenantRecord is the at-rest form of a tenant: the password is ciphertext.
// It is also the payload cached in redis.
type tenantRecord struct {
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Engine      string    `json:"engine"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	User        string    `json:"user"`
	PasswordEnc []byte    `json:"password_enc,omitempty"`
	PasswordIV  []byte    `json:"password_iv,omitempty"`
	PasswordRef string    `json:"password_ref,omitempty"`
	Database    string    `json:"database"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

// TenantRepository handles database operations for tenant configurations
type TenantRepository struct {
	db       *sql.DB
	cipher   *crypto.Cipher
	redis    RedisClient
	cacheTTL time.Duration
}

// TenantRepositoryOption configures a TenantRepository.
type TenantRepositoryOption func(*TenantRepository)

// WithRedisCache enables the look-aside cache for Get.
func WithRedisCache(client RedisClient, ttl time.Duration) TenantRepositoryOption {
	return func(r *TenantRepository) {
		r.redis = client
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// NewTenantRepository creates a new TenantRepository
func NewTenantRepository(db *sql.DB, cipher *crypto.Cipher, opts ...TenantRepositoryOption) *TenantRepository {
	r := &TenantRepository{db: db, cipher: cipher, cacheTTL: time.Hour}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

func versionKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:version", tenantID)
}

// List returns every tenant configuration ordered by id.
func (r *TenantRepository) List(ctx context.Context) ([]*model.TenantConfig, error) {
	const op = "tenants.List"
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, errs.Internal(op, err, "query tenants")
	}
	defer rows.Close()

	var tenants []*model.TenantConfig
	for rows.Next() {
		rec, err := scanTenant(rows)
		if err != nil {
			return nil, errs.Internal(op, err, "scan tenant")
		}
		cfg, err := r.decode(rec)
		if err != nil {
			return nil, errs.Internal(op, err, "decode tenant %s", rec.TenantID)
		}
		tenants = append(tenants, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(op, err, "iterate tenants")
	}
	return tenants, nil
}

// Get retrieves a tenant by id, consulting the redis cache first.
func (r *TenantRepository) Get(ctx context.Context, tenantID string) (*model.TenantConfig, error) {
	const op = "tenants.Get"

	if rec, ok := r.cached(ctx, tenantID); ok {
		cfg, err := r.decode(rec)
		if err == nil {
			return cfg, nil
		}
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Discarding undecodable cached tenant")
	}

	// The version is read before the row so a concurrent mutation blocks the fill.
	version, fillable := r.version(ctx, tenantID)

	rec, err := scanTenant(r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(op, "tenant %q not found", tenantID)
	}
	if err != nil {
		return nil, errs.Internal(op, err, "query tenant %s", tenantID)
	}

	cfg, err := r.decode(rec)
	if err != nil {
		return nil, errs.Internal(op, err, "decode tenant %s", tenantID)
	}
	if fillable {
		r.store(ctx, rec, version)
	}
	return cfg, nil
}

// Create inserts a new tenant. A duplicate tenant_id fails with a conflict.
func (r *TenantRepository) Create(ctx context.Context, cfg *model.TenantConfig) error {
	const op = "tenants.Create"

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	rec, err := r.encode(cfg)
	if err != nil {
		return errs.Internal(op, err, "encrypt tenant password")
	}

	query := `INSERT INTO tenants (` + tenantColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.db.ExecContext(ctx, query,
		rec.TenantID, rec.Name, rec.Engine, rec.Host, rec.Port, rec.User,
		rec.PasswordEnc, rec.PasswordIV, nullString(rec.PasswordRef), rec.Database,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errs.Conflict(op, "tenant %q already exists", cfg.TenantID)
	}
	if err != nil {
		return errs.Internal(op, err, "insert tenant %s", cfg.TenantID)
	}

	r.evict(ctx, cfg.TenantID)
	return nil
}

// Update applies a partial update inside a transaction and returns the new configuration.
func (r *TenantRepository) Update(ctx context.Context, tenantID string, upd model.TenantUpdate) (*model.TenantConfig, error) {
	const op = "tenants.Update"

	var updated *model.TenantConfig
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rec, err := scanTenant(tx.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1 FOR UPDATE`, tenantID))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound(op, "tenant %q not found", tenantID)
		}
		if err != nil {
			return errs.Internal(op, err, "load tenant %s", tenantID)
		}

		cfg, err := r.decode(rec)
		if err != nil {
			return errs.Internal(op, err, "decode tenant %s", tenantID)
		}
		upd.Apply(cfg)
		if err := cfg.Validate(); err != nil {
			return errs.BadRequest(op, "invalid tenant: %v", err)
		}
		cfg.UpdatedAt = time.Now().UTC()

		next, err := r.encode(cfg)
		if err != nil {
			return errs.Internal(op, err, "encrypt tenant password")
		}

		query := `UPDATE tenants SET name = $2, engine = $3, host = $4, port = $5, db_user = $6,
                  password_enc = $7, password_iv = $8, password_ref = $9, database_name = $10, updated_at = $11
                  WHERE tenant_id = $1`
		if _, err := tx.ExecContext(ctx, query,
			next.TenantID, next.Name, next.Engine, next.Host, next.Port, next.User,
			next.PasswordEnc, next.PasswordIV, nullString(next.PasswordRef), next.Database, next.UpdatedAt,
		); err != nil {
			return errs.Internal(op, err, "update tenant %s", tenantID)
		}
		updated = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.evict(ctx, tenantID)
	return updated, nil
}

// Delete removes a tenant row.
func (r *TenantRepository) Delete(ctx context.Context, tenantID string) error {
	const op = "tenants.Delete"

	result, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return errs.Internal(op, err, "delete tenant %s", tenantID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errs.Internal(op, err, "delete tenant %s", tenantID)
	}
	if rows == 0 {
		return errs.NotFound(op, "tenant %q not found", tenantID)
	}

	r.evict(ctx, tenantID)
	return nil
}

// ExistingIDs returns the subset of ids that are registered tenants.
func (r *TenantRepository) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	const op = "tenants.ExistingIDs"
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT tenant_id FROM tenants WHERE tenant_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, errs.Internal(op, err, "query tenant ids")
	}
	defer rows.Close()

	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Internal(op, err, "scan tenant id")
		}
		existing = append(existing, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(op, err, "iterate tenant ids")
	}
	return existing, nil
}

func scanTenant(row rowScanner) (*tenantRecord, error) {
	rec := &tenantRecord{}
	var ref sql.NullString
	err := row.Scan(
		&rec.TenantID, &rec.Name, &rec.Engine, &rec.Host, &rec.Port, &rec.User,
		&rec.PasswordEnc, &rec.PasswordIV, &ref, &rec.Database, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.PasswordRef = ref.String
	return rec, nil
}

func (r *TenantRepository) decode(rec *tenantRecord) (*model.TenantConfig, error) {
	engine, err := model.ParseEngine(rec.Engine)
	if err != nil {
		return nil, err
	}
	cfg := &model.TenantConfig{
		TenantID:    rec.TenantID,
		Name:        rec.Name,
		Engine:      engine,
		Host:        rec.Host,
		Port:        rec.Port,
		User:        rec.User,
		PasswordRef: rec.PasswordRef,
		Database:    rec.Database,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if len(rec.PasswordEnc) > 0 && len(rec.PasswordIV) > 0 {
		password, err := r.cipher.Decrypt(rec.PasswordEnc, rec.PasswordIV)
		if err != nil {
			return nil, fmt.Errorf("decrypt password: %w", err)
		}
		cfg.Password = password
	}
	return cfg, nil
}

func (r *TenantRepository) encode(cfg *model.TenantConfig) (*tenantRecord, error) {
	rec := &tenantRecord{
		TenantID:    cfg.TenantID,
		Name:        cfg.Name,
		Engine:      string(cfg.Engine),
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		PasswordRef: cfg.PasswordRef,
		Database:    cfg.Database,
		CreatedAt:   cfg.CreatedAt,
		UpdatedAt:   cfg.UpdatedAt,
	}
	if cfg.PasswordRef == "" && cfg.Password != "" {
		enc, iv, err := r.cipher.Encrypt(cfg.Password)
		if err != nil {
			return nil, err
		}
		rec.PasswordEnc = enc
		rec.PasswordIV = iv
	}
	return rec, nil
}

func (r *TenantRepository) cached(ctx context.Context, tenantID string) (*tenantRecord, bool) {
	if r.redis == nil {
		return nil, false
	}
	data, err := r.redis.Get(ctx, cacheKey(tenantID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Tenant cache read failed")
		}
		return nil, false
	}
	rec := &tenantRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false
	}
	return rec, true
}

func (r *TenantRepository) version(ctx context.Context, tenantID string) (string, bool) {
	if r.redis == nil {
		return "", false
	}
	v, err := r.redis.Get(ctx, versionKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Tenant cache version read failed")
		return "", false
	}
	return v, true
}

func (r *TenantRepository) store(ctx context.Context, rec *tenantRecord, version string) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	keys := []string{cacheKey(rec.TenantID), versionKey(rec.TenantID)}
	stored, err := fillScript.Run(ctx, r.redis, keys, version, data, r.cacheTTL.Milliseconds()).Int()
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", rec.TenantID).Msg("Tenant cache write failed")
		return
	}
	if stored == 0 {
		log.Debug().Str("tenant_id", rec.TenantID).Msg("Tenant changed during read, cache fill skipped")
	}
}

func (r *TenantRepository) evict(ctx context.Context, tenantID string) {
	if r.redis == nil {
		return
	}
	keys := []string{cacheKey(tenantID), versionKey(tenantID)}
	if err := evictScript.Run(ctx, r.redis, keys).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Tenant cache invalidation failed")
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

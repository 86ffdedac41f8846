package broker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

// PoolSettings sizes tenant pools. Zero values keep driver defaults.
type PoolSettings struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	SSLMode         string
}

// DefaultAdapters returns an adapter for every supported engine.
func DefaultAdapters(s PoolSettings) map[model.Engine]Adapter {
	return map[model.Engine]Adapter{
		model.EnginePostgres: &PostgresAdapter{Settings: s},
		model.EngineMySQL:    NewMySQLAdapter(s),
		model.EngineMSSQL:    NewMSSQLAdapter(s),
	}
}

// PostgresAdapter builds pgx pools.
type PostgresAdapter struct {
	Settings PoolSettings
}

// PgxPool wraps a pgxpool.Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

// Pgx exposes the underlying pool.
func (p *PgxPool) Pgx() *pgxpool.Pool { return p.pool }

func (p *PgxPool) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PgxPool) Close() error {
	p.pool.Close()
	return nil
}

func (a *PostgresAdapter) Connect(ctx context.Context, cfg model.TenantConfig) (Pool, error) {
	sslmode := a.Settings.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}

	pc, err := pgxpool.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if a.Settings.MaxConns > 0 {
		pc.MaxConns = int32(a.Settings.MaxConns)
	}
	if a.Settings.MinConns > 0 {
		pc.MinConns = int32(a.Settings.MinConns)
	}
	if a.Settings.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = a.Settings.MaxConnLifetime
	}
	if a.Settings.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = a.Settings.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &PgxPool{pool: pool}, nil
}

func (a *PostgresAdapter) Probe(ctx context.Context, p Pool) error {
	pp, ok := p.(*PgxPool)
	if !ok {
		return fmt.Errorf("postgres adapter cannot probe %T", p)
	}
	var one int
	return pp.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

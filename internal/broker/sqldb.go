package broker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

// SQLPool wraps a database/sql pool.
type SQLPool struct {
	db *sql.DB
}

// DB exposes the underlying pool.
func (p *SQLPool) DB() *sql.DB { return p.db }

func (p *SQLPool) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *SQLPool) Close() error { return p.db.Close() }

// SQLAdapter builds database/sql pools from a driver connector.
type SQLAdapter struct {
	engine    model.Engine
	settings  PoolSettings
	connector func(cfg model.TenantConfig) (driver.Connector, error)
}

// NewMySQLAdapter returns an adapter backed by go-sql-driver/mysql.
func NewMySQLAdapter(s PoolSettings) *SQLAdapter {
	return &SQLAdapter{engine: model.EngineMySQL, settings: s, connector: mysqlConnector}
}

// NewMSSQLAdapter returns an adapter backed by go-mssqldb.
func NewMSSQLAdapter(s PoolSettings) *SQLAdapter {
	return &SQLAdapter{engine: model.EngineMSSQL, settings: s, connector: mssqlConnector}
}

func (a *SQLAdapter) Connect(_ context.Context, cfg model.TenantConfig) (Pool, error) {
	c, err := a.connector(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s connector: %w", a.engine, err)
	}
	db := sql.OpenDB(c)
	if a.settings.MaxConns > 0 {
		db.SetMaxOpenConns(a.settings.MaxConns)
	}
	if a.settings.MinConns > 0 {
		db.SetMaxIdleConns(a.settings.MinConns)
	}
	if a.settings.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(a.settings.MaxConnLifetime)
	}
	if a.settings.MaxConnIdleTime > 0 {
		db.SetConnMaxIdleTime(a.settings.MaxConnIdleTime)
	}
	return &SQLPool{db: db}, nil
}

func (a *SQLAdapter) Probe(ctx context.Context, p Pool) error {
	sp, ok := p.(*SQLPool)
	if !ok {
		return fmt.Errorf("%s adapter cannot probe %T", a.engine, p)
	}
	var one int
	return sp.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func mysqlConnector(cfg model.TenantConfig) (driver.Connector, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	return mysql.NewConnector(mc)
}

func mssqlConnector(cfg model.TenantConfig) (driver.Connector, error) {
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		RawQuery: url.Values{"database": {cfg.Database}}.Encode(),
	}
	return mssql.NewConnector(u.String())
}

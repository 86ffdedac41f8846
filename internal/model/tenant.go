package model

import (
	"fmt"
	"strings"
	"time"
)

// Engine identifies the database engine backing a tenant.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
	EngineMSSQL    Engine = "mssql"
)

// ParseEngine normalizes an engine name. "pg" and "postgresql" are accepted for postgres.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return EnginePostgres, nil
	case "mysql":
		return EngineMySQL, nil
	case "mssql", "sqlserver":
		return EngineMSSQL, nil
	default:
		return "", fmt.Errorf("unsupported database engine %q", s)
	}
}

// DefaultPort returns the conventional port for the engine.
func (e Engine) DefaultPort() int {
	switch e {
	case EnginePostgres:
		return 5432
	case EngineMySQL:
		return 3306
	case EngineMSSQL:
		return 1433
	default:
		return 0
	}
}

// TenantConfig represents a row of the tenants table.
// Password holds the plaintext only in memory; PasswordRef, when set, names an
// external secret that is resolved at connect time instead.
type TenantConfig struct {
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Engine      Engine    `json:"engine"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	User        string    `json:"user"`
	Password    string    `json:"-"`
	PasswordRef string    `json:"password_ref,omitempty"`
	Database    string    `json:"database"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks required fields and fills in the default port.
func (c *TenantConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.User) == "" {
		missing = append(missing, "user")
	}
	if strings.TrimSpace(c.Database) == "" {
		missing = append(missing, "database")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	engine, err := ParseEngine(string(c.Engine))
	if err != nil {
		return err
	}
	c.Engine = engine

	if c.Port == 0 {
		c.Port = engine.DefaultPort()
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// TenantUpdate is a partial update; nil fields are left unchanged.
type TenantUpdate struct {
	Name        *string `json:"name,omitempty"`
	Engine      *Engine `json:"engine,omitempty"`
	Host        *string `json:"host,omitempty"`
	Port        *int    `json:"port,omitempty"`
	User        *string `json:"user,omitempty"`
	Password    *string `json:"password,omitempty"`
	PasswordRef *string `json:"password_ref,omitempty"`
	Database    *string `json:"database,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u TenantUpdate) IsEmpty() bool {
	return u.Name == nil && !u.TouchesConnection()
}

// TouchesConnection reports whether the update changes any connection parameter.
func (u TenantUpdate) TouchesConnection() bool {
	return u.Engine != nil || u.Host != nil || u.Port != nil || u.User != nil ||
		u.Password != nil || u.PasswordRef != nil || u.Database != nil
}

// Apply copies the set fields onto cfg.
func (u TenantUpdate) Apply(cfg *TenantConfig) {
	if u.Name != nil {
		cfg.Name = *u.Name
	}
	if u.Engine != nil {
		cfg.Engine = *u.Engine
	}
	if u.Host != nil {
		cfg.Host = *u.Host
	}
	if u.Port != nil {
		cfg.Port = *u.Port
	}
	if u.User != nil {
		cfg.User = *u.User
	}
	if u.Password != nil {
		cfg.Password = *u.Password
		cfg.PasswordRef = ""
	}
	if u.PasswordRef != nil {
		cfg.PasswordRef = *u.PasswordRef
		cfg.Password = ""
	}
	if u.Database != nil {
		cfg.Database = *u.Database
	}
}

package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPPort int    `mapstructure:"HTTP_PORT"`
	GRPCPort int    `mapstructure:"GRPC_PORT"`

	AdminDatabaseURL string        `mapstructure:"ADMIN_DATABASE_URL"`
	AdminDBMaxConns  int           `mapstructure:"ADMIN_DB_MAX_CONNS"`
	AdminDBMaxIdle   int           `mapstructure:"ADMIN_DB_MAX_IDLE"`
	AdminDBLifetime  time.Duration `mapstructure:"ADMIN_DB_CONN_LIFETIME"`

	RedisURL       string        `mapstructure:"REDIS_URL"`
	TenantCacheTTL time.Duration `mapstructure:"TENANT_CACHE_TTL"`

	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	AdminAPIKey   string `mapstructure:"ADMIN_API_KEY"`
	BcryptCost    int    `mapstructure:"BCRYPT_COST"`

	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	JWTIssuer           string        `mapstructure:"JWT_ISSUER"`
	AccessTokenTTL      time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL     time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	SessionPolicy       string        `mapstructure:"SESSION_POLICY"`
	RotateRefreshTokens bool          `mapstructure:"ROTATE_REFRESH_TOKENS"`
	TokenSweepInterval  time.Duration `mapstructure:"TOKEN_SWEEP_INTERVAL"`

	TenantPoolMaxConns    int           `mapstructure:"TENANT_POOL_MAX_CONNS"`
	TenantPoolMinConns    int           `mapstructure:"TENANT_POOL_MIN_CONNS"`
	TenantPoolMaxLifetime time.Duration `mapstructure:"TENANT_POOL_MAX_LIFETIME"`
	TenantPoolMaxIdleTime time.Duration `mapstructure:"TENANT_POOL_MAX_IDLE_TIME"`
	TenantDBSSLMode       string        `mapstructure:"TENANT_DB_SSLMODE"`
	ConnectTimeout        time.Duration `mapstructure:"TENANT_CONNECT_TIMEOUT"`
	FailureCooldown       time.Duration `mapstructure:"BROKER_FAILURE_COOLDOWN"`

	SecretsProvider string        `mapstructure:"SECRETS_PROVIDER"`
	AWSRegion       string        `mapstructure:"AWS_REGION"`
	SecretsCacheTTL time.Duration `mapstructure:"SECRETS_CACHE_TTL"`

	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]any{
	"ENV":                       "development",
	"LOG_LEVEL":                 "info",
	"HTTP_PORT":                 8080,
	"GRPC_PORT":                 50051,
	"ADMIN_DB_MAX_CONNS":        10,
	"ADMIN_DB_MAX_IDLE":         5,
	"ADMIN_DB_CONN_LIFETIME":    "30m",
	"TENANT_CACHE_TTL":          "1h",
	"BCRYPT_COST":               10,
	"JWT_ISSUER":                "clinic-tenant-broker",
	"ACCESS_TOKEN_TTL":          "15m",
	"REFRESH_TOKEN_TTL":         "168h",
	"SESSION_POLICY":            "single",
	"ROTATE_REFRESH_TOKENS":     false,
	"TOKEN_SWEEP_INTERVAL":      "1h",
	"TENANT_POOL_MAX_CONNS":     10,
	"TENANT_POOL_MIN_CONNS":     0,
	"TENANT_POOL_MAX_LIFETIME":  "30m",
	"TENANT_POOL_MAX_IDLE_TIME": "5m",
	"TENANT_DB_SSLMODE":         "prefer",
	"TENANT_CONNECT_TIMEOUT":    "10s",
	"BROKER_FAILURE_COOLDOWN":   "0s",
	"SECRETS_PROVIDER":          "",
	"SECRETS_CACHE_TTL":         "5m",
	"SHUTDOWN_TIMEOUT":          "15s",
}

var envOnly = []string{
	"ADMIN_DATABASE_URL", "REDIS_URL", "ENCRYPTION_KEY", "ADMIN_API_KEY", "JWT_SECRET", "AWS_REGION",
}

// Load reads configuration from the environment and, if present, from
// configFile (a .env style file). Environment variables win.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	if configFile == "" {
		configFile = ".env"
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range envOnly {
		_ = v.BindEnv(k)
	}

	// A missing file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "config.Load", err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses configurations the service cannot run safely with.
func (c *Config) Validate() error {
	const op = "config.Validate"

	if c.AdminDatabaseURL == "" {
		return errs.Configuration(op, "ADMIN_DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errs.Configuration(op, "JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return errs.Configuration(op, "JWT_SECRET must be at least 32 characters in production")
	}

	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != 32 {
		return errs.Configuration(op, "ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}

	if c.IsProduction() && c.AdminAPIKey == "" {
		return errs.Configuration(op, "ADMIN_API_KEY is required in production")
	}

	switch strings.ToLower(c.SessionPolicy) {
	case "single", "multi":
	default:
		return errs.Configuration(op, "SESSION_POLICY must be \"single\" or \"multi\", got %q", c.SessionPolicy)
	}

	switch c.SecretsProvider {
	case "", "aws":
	default:
		return errs.Configuration(op, "SECRETS_PROVIDER must be empty or \"aws\", got %q", c.SecretsProvider)
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errs.Configuration(op, "token lifetimes must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return errs.Configuration(op, "ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errs.Configuration(op, "BCRYPT_COST must be between 4 and 31")
	}
	for name, port := range map[string]int{"HTTP_PORT": c.HTTPPort, "GRPC_PORT": c.GRPCPort} {
		if port < 0 || port > 65535 {
			return errs.Configuration(op, "%s %d out of range", name, port)
		}
	}
	return nil
}

// String renders the configuration with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("env=%s http_port=%d grpc_port=%d session_policy=%s rotate_refresh=%t secrets_provider=%q redis=%t",
		c.Env, c.HTTPPort, c.GRPCPort, c.SessionPolicy, c.RotateRefreshTokens, c.SecretsProvider, c.RedisURL != "")
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/teresa-solution/clinic-tenant-broker/internal/api"
	"github.com/teresa-solution/clinic-tenant-broker/internal/auth"
	"github.com/teresa-solution/clinic-tenant-broker/internal/broker"
	"github.com/teresa-solution/clinic-tenant-broker/internal/config"
	"github.com/teresa-solution/clinic-tenant-broker/internal/crypto"
	"github.com/teresa-solution/clinic-tenant-broker/internal/grpcserver"
	"github.com/teresa-solution/clinic-tenant-broker/internal/monitoring"
	"github.com/teresa-solution/clinic-tenant-broker/internal/secrets"
	"github.com/teresa-solution/clinic-tenant-broker/internal/service"
	"github.com/teresa-solution/clinic-tenant-broker/internal/store"
)

type loader func() (*config.Config, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func sweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired refresh tokens once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openAdminDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := store.NewRefreshTokenRepository(db).DeleteExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Msg("Expired refresh tokens swept")
			return nil
		},
	}
}

// app holds everything runServe wires together.
type app struct {
	db      *sql.DB
	redis   *redis.Client
	broker  *broker.Broker
	tokens  *service.TokenService
	sweeper *service.TokenSweeper
	http    http.Handler
	grpc    *grpcserver.Server
}

func openAdminDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return store.OpenAdminDB(ctx, cfg.AdminDatabaseURL, store.AdminDBOptions{
		MaxOpenConns:    cfg.AdminDBMaxConns,
		MaxIdleConns:    cfg.AdminDBMaxIdle,
		ConnMaxLifetime: cfg.AdminDBLifetime,
	})
}

func build(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{}
	partial := a
	defer func() {
		if err != nil {
			partial.close()
		}
	}()

	db, err := openAdminDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin database: %w", err)
	}
	a.db = db

	cipher, err := crypto.NewCipherFromHex(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	var repoOpts []store.TenantRepositoryOption
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, tenant cache will miss until it recovers")
		}
		repoOpts = append(repoOpts, store.WithRedisCache(a.redis, cfg.TenantCacheTTL))
	}
	tenantRepo := store.NewTenantRepository(db, cipher, repoOpts...)
	clientRepo := store.NewClientRepository(db)
	tokenRepo := store.NewRefreshTokenRepository(db)

	brokerOpts := broker.Options{
		Adapters: broker.DefaultAdapters(broker.PoolSettings{
			MaxConns:        cfg.TenantPoolMaxConns,
			MinConns:        cfg.TenantPoolMinConns,
			MaxConnLifetime: cfg.TenantPoolMaxLifetime,
			MaxConnIdleTime: cfg.TenantPoolMaxIdleTime,
			SSLMode:         cfg.TenantDBSSLMode,
		}),
		ConnectTimeout:  cfg.ConnectTimeout,
		FailureCooldown: cfg.FailureCooldown,
	}
	if cfg.SecretsProvider == "aws" {
		resolver, err := secrets.NewAWSResolver(ctx, secrets.Options{Region: cfg.AWSRegion, CacheTTL: cfg.SecretsCacheTTL})
		if err != nil {
			return nil, err
		}
		brokerOpts.Credentials = resolver
	}
	a.broker = broker.New(tenantRepo, brokerOpts)

	signer, err := auth.NewSigner([]byte(cfg.JWTSecret), cfg.AccessTokenTTL, auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		return nil, err
	}
	policy, err := service.ParseSessionPolicy(cfg.SessionPolicy)
	if err != nil {
		return nil, err
	}

	tenants := service.NewTenantService(tenantRepo, a.broker)
	clients := service.NewClientService(clientRepo, tenants, tokenRepo, cfg.BcryptCost)
	a.tokens = service.NewTokenService(signer, tokenRepo, clients, service.TokenOptions{
		RefreshTTL:    cfg.RefreshTokenTTL,
		Policy:        policy,
		RotateRefresh: cfg.RotateRefreshTokens,
	})
	a.sweeper = service.NewTokenSweeper(a.tokens, cfg.TokenSweepInterval)
	health := service.NewHealthService(db, a.broker, 0)

	a.http = api.NewServer(api.Deps{
		Tokens:      a.tokens,
		Access:      clients,
		Pools:       a.broker,
		Tenants:     tenants,
		Clients:     clients,
		Health:      health,
		AdminAPIKey: cfg.AdminAPIKey,
		Logger:      log.Logger,
	})
	a.grpc = grpcserver.New(grpcserver.Options{
		Tokens: a.tokens,
		Access: clients,
		Pools:  a.broker,
		Health: health,
	})
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close admin database")
		}
	}
}

type sweepStopper interface {
	Stop()
}

type poolCloser interface {
	Close(ctx context.Context) error
}

// shutdown stops the servers so no new resolves arrive, cancels the sweeper,
// then closes the tenant pools within ctx.
func shutdown(ctx context.Context, stopServers func(context.Context), sweeper sweepStopper, pools poolCloser) {
	stopServers(ctx)
	sweeper.Stop()
	if err := pools.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Some tenant pools did not close cleanly")
	}
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config", cfg.String()).Msg("Starting clinic tenant broker")
	monitoring.InitMetrics(prometheus.DefaultRegisterer)

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.sweeper.Start(ctx)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: a.http}

	serveErr := make(chan error, 2)
	go func() {
		if err := a.grpc.Serve(ctx, lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopServers := func(ctx context.Context) {
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
		a.grpc.Stop()
	}
	shutdown(shutdownCtx, stopServers, a.sweeper, a.broker)

	log.Info().Msg("Server exiting")
	return runErr
}

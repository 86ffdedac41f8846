// Package grpcserver serves the gRPC health protocol and authenticates
// unary calls with the same bearer tokens the HTTP API accepts.
package grpcserver

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"

	"github.com/teresa-solution/clinic-tenant-broker/internal/auth"
	"github.com/teresa-solution/clinic-tenant-broker/internal/broker"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/service"
)

// ServiceName is the name reported to grpc.health.v1 alongside the overall "" entry.
const ServiceName = "clinic.broker"

type TokenValidator interface {
	ValidateAccessToken(token string) (*model.Identity, error)
}

type AccessChecker interface {
	HasAccess(ctx context.Context, clientID, tenantID string) (bool, error)
}

type PoolResolver interface {
	Resolve(ctx context.Context, tenantID string) (*broker.PoolHandle, error)
}

type HealthChecker interface {
	Check(ctx context.Context) service.HealthReport
}

type Options struct {
	Tokens TokenValidator
	Access AccessChecker
	Pools  PoolResolver
	Health HealthChecker
	// HealthInterval is how often the health status is refreshed. Default 10s.
	HealthInterval time.Duration
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	opts   Options
}

func New(opts Options) *Server {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}
	s := &Server{
		health: health.NewServer(),
		opts:   opts,
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(
		loggingInterceptor,
		AuthInterceptor(opts.Tokens, opts.Access, opts.Pools),
	))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// GRPC exposes the underlying server so further services can be registered.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Serve refreshes health in the background and blocks serving lis until
// Stop is called or lis fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.refreshHealth(ctx)
	go func() {
		ticker := time.NewTicker(s.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshHealth(ctx)
			}
		}
	}()

	log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpc.Serve(lis)
}

// Stop marks the service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) refreshHealth(ctx context.Context) {
	if s.opts.Health == nil {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	report := s.opts.Health.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if report.Status == service.HealthDown {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.setStatus(st)
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// public reports whether fullMethod is served without a token.
func public(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/") ||
		strings.HasPrefix(fullMethod, "/grpc.reflection.")
}

// AuthInterceptor validates the "authorization" metadata of every
// non-public call and attaches the identity and tenant pool to the context.
func AuthInterceptor(tokens TokenValidator, access AccessChecker, pools PoolResolver) grpc.UnaryServerInterceptor {
	const op = "grpcserver.AuthInterceptor"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if public(info.FullMethod) {
			return handler(ctx, req)
		}

		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				token = strings.TrimSpace(values[0])
				if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
					token = strings.TrimSpace(token[7:])
				}
			}
		}
		if token == "" {
			return nil, errs.Auth(op, errs.ReasonInvalid, "missing token")
		}

		id, err := tokens.ValidateAccessToken(token)
		if err != nil {
			return nil, err
		}
		ok, err := access.HasAccess(ctx, id.ClientID, id.TenantID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Forbidden(op, "Clinic not found or deactivated")
		}
		handle, err := pools.Resolve(ctx, id.TenantID)
		if err != nil {
			return nil, err
		}

		ctx = auth.NewContext(ctx, id)
		ctx = broker.NewContext(ctx, handle)
		return handler(ctx, req)
	}
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	evt := log.Debug()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.Str("method", info.FullMethod).Dur("latency", time.Since(start)).Msg("gRPC call")
	return resp, err
}

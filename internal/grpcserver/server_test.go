package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/teresa-solution/clinic-tenant-broker/internal/auth"
	"github.com/teresa-solution/clinic-tenant-broker/internal/broker"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/service"
)

type fakeTokens map[string]*model.Identity

func (f fakeTokens) ValidateAccessToken(token string) (*model.Identity, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return nil, errs.Auth("fake", errs.ReasonInvalid, "invalid access token")
}

type fakeAccess map[string]bool

func (f fakeAccess) HasAccess(_ context.Context, clientID, tenantID string) (bool, error) {
	return f[clientID+"/"+tenantID], nil
}

type nopPool struct{}

func (nopPool) Ping(context.Context) error { return nil }
func (nopPool) Close() error               { return nil }

type fakePools struct{ err error }

func (f fakePools) Resolve(_ context.Context, tenantID string) (*broker.PoolHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &broker.PoolHandle{TenantID: tenantID, Engine: model.EnginePostgres, Pool: nopPool{}}, nil
}

type fakeHealth struct {
	mu     sync.Mutex
	status service.HealthStatus
}

func (f *fakeHealth) set(s service.HealthStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeHealth) Check(context.Context) service.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return service.HealthReport{Status: f.status}
}

func incoming(token string) context.Context {
	md := metadata.New(map[string]string{"authorization": token})
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestAuthInterceptor(t *testing.T) {
	tokens := fakeTokens{
		"good":    {ClientID: "c1", TenantID: "t1"},
		"revoked": {ClientID: "c1", TenantID: "t2"},
	}
	access := fakeAccess{"c1/t1": true}
	info := &grpc.UnaryServerInfo{FullMethod: "/clinic.broker.Records/Get"}

	tests := []struct {
		name  string
		ctx   context.Context
		pools PoolResolver
		code  codes.Code
	}{
		{"ok", incoming("Bearer good"), fakePools{}, codes.OK},
		{"raw token", incoming("good"), fakePools{}, codes.OK},
		{"missing metadata", context.Background(), fakePools{}, codes.Unauthenticated},
		{"bad token", incoming("Bearer nope"), fakePools{}, codes.Unauthenticated},
		{"access withdrawn", incoming("Bearer revoked"), fakePools{}, codes.PermissionDenied},
		{"tenant db down", incoming("Bearer good"), fakePools{err: errs.Connection("fake", errors.New("refused"), "connect")}, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := func(ctx context.Context, _ any) (any, error) {
				called = true
				id, ok := auth.FromContext(ctx)
				require.True(t, ok)
				assert.Equal(t, "t1", id.TenantID)
				handle, ok := broker.FromContext(ctx)
				require.True(t, ok)
				assert.Equal(t, "t1", handle.TenantID)
				return "ok", nil
			}

			_, err := AuthInterceptor(tokens, access, tt.pools)(tt.ctx, nil, info, h)
			assert.Equal(t, tt.code, status.Code(err))
			assert.Equal(t, tt.code == codes.OK, called)
		})
	}
}

func TestAuthInterceptor_HealthIsPublic(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	h := func(context.Context, any) (any, error) { return "ok", nil }

	resp, err := AuthInterceptor(fakeTokens{}, fakeAccess{}, fakePools{})(context.Background(), nil, info, h)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestServer_HealthReflectsReport(t *testing.T) {
	hc := &fakeHealth{status: service.HealthDegraded}
	srv := New(Options{
		Tokens: fakeTokens{}, Access: fakeAccess{}, Pools: fakePools{},
		Health: hc, HealthInterval: 10 * time.Millisecond,
	})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	assert.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING },
		time.Second, 5*time.Millisecond, "degraded still serves")

	hc.set(service.HealthDown)
	assert.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_NOT_SERVING },
		time.Second, 5*time.Millisecond)
}

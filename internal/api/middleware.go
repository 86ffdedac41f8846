package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/teresa-solution/clinic-tenant-broker/internal/auth"
	"github.com/teresa-solution/clinic-tenant-broker/internal/broker"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

// IdentityFromContext returns the identity attached by Authenticate.
func IdentityFromContext(ctx context.Context) (*model.Identity, bool) {
	return auth.FromContext(ctx)
}

// PoolFromContext returns the tenant pool attached by WithTenantPool.
func PoolFromContext(ctx context.Context) (*broker.PoolHandle, bool) {
	return broker.FromContext(ctx)
}

// Recovery turns a handler panic into an internal error, logged with the
// caller's identity when one is attached.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return echomw.RecoverWithConfig(echomw.RecoverConfig{
		StackSize:           4 << 10,
		DisableErrorHandler: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			evt := logger.Error().Err(err).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("path", c.Request().URL.Path).
				Bytes("stack", stack)
			if id, ok := IdentityFromContext(c.Request().Context()); ok {
				evt = evt.Str("client_id", id.ClientID).Str("tenant_id", id.TenantID)
			}
			evt.Msg("Handler panicked")
			return errs.Internal("api.Recovery", err, "handler panicked")
		},
	})
}

func RequestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Warn().Err(err)
			}
			if id, ok := IdentityFromContext(c.Request().Context()); ok {
				evt = evt.Str("client_id", id.ClientID).Str("tenant_id", id.TenantID)
			}
			evt.
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

// RequireAdminKey checks the X-Admin-Key header in constant time.
func RequireAdminKey(key string) echo.MiddlewareFunc {
	want := []byte(key)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := []byte(c.Request().Header.Get("X-Admin-Key"))
			if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				return errs.Auth("api.RequireAdminKey", errs.ReasonInvalidCredentials, "invalid admin key")
			}
			return next(c)
		}
	}
}

// Authenticate validates the bearer access token and re-checks that the
// client may still use the tenant it names.
func Authenticate(tokens TokenAPI, access AccessChecker) echo.MiddlewareFunc {
	const op = "api.Authenticate"
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c.Request())
			if err != nil {
				return err
			}
			id, err := tokens.ValidateAccessToken(token)
			if err != nil {
				return err
			}

			ctx := c.Request().Context()
			ok, err := access.HasAccess(ctx, id.ClientID, id.TenantID)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Forbidden(op, "Clinic not found or deactivated")
			}

			c.SetRequest(c.Request().WithContext(auth.NewContext(ctx, id)))
			return next(c)
		}
	}
}

// WithTenantPool resolves the pool of the authenticated tenant. It must run after Authenticate.
func WithTenantPool(pools PoolResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			id, ok := IdentityFromContext(ctx)
			if !ok {
				return errs.Internal("api.WithTenantPool", nil, "no identity in request context")
			}
			handle, err := pools.Resolve(ctx, id.TenantID)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(broker.NewContext(ctx, handle)))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, error) {
	const op = "api.bearerToken"
	h := r.Header.Get(echo.HeaderAuthorization)
	if h == "" {
		return "", errs.Auth(op, errs.ReasonInvalid, "missing authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errs.Auth(op, errs.ReasonInvalid, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// Package api exposes the broker over HTTP: client login and token
// management, tenant and client administration, and a tenant-scoped
// route that exercises the pool broker end to end.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/teresa-solution/clinic-tenant-broker/internal/broker"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/service"
)

type TokenAPI interface {
	Login(ctx context.Context, clientID, secret, tenantID string) (*service.TokenPair, error)
	Rotate(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
	RevokeAll(ctx context.Context, clientID string) (int64, error)
	ValidateAccessToken(token string) (*model.Identity, error)
}

type AccessChecker interface {
	HasAccess(ctx context.Context, clientID, tenantID string) (bool, error)
}

type PoolResolver interface {
	Resolve(ctx context.Context, tenantID string) (*broker.PoolHandle, error)
}

type TenantAdmin interface {
	List(ctx context.Context) ([]*model.TenantConfig, error)
	Get(ctx context.Context, tenantID string) (*model.TenantConfig, error)
	Create(ctx context.Context, cfg *model.TenantConfig) (*model.TenantConfig, error)
	Update(ctx context.Context, tenantID string, upd model.TenantUpdate) (*model.TenantConfig, error)
	Delete(ctx context.Context, tenantID string) error
}

type ClientAdmin interface {
	List(ctx context.Context) ([]*model.Client, error)
	Get(ctx context.Context, clientID string) (*model.Client, error)
	Create(ctx context.Context, in model.ClientCreate) (*model.Client, error)
	Update(ctx context.Context, clientID string, upd model.ClientUpdate) (*model.Client, error)
	Deactivate(ctx context.Context, clientID string) error
}

type HealthChecker interface {
	Check(ctx context.Context) service.HealthReport
}

// Deps are the collaborators behind the HTTP routes.
type Deps struct {
	Tokens  TokenAPI
	Access  AccessChecker
	Pools   PoolResolver
	Tenants TenantAdmin
	Clients ClientAdmin
	Health  HealthChecker

	// AdminAPIKey guards /admin. Admin routes are not mounted when it is empty.
	AdminAPIKey string
	Logger      zerolog.Logger
	// Metrics defaults to promhttp.Handler().
	Metrics http.Handler
}

// NewServer builds the echo instance with every route mounted.
func NewServer(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(d.Logger)

	e.Use(echomw.RequestID())
	e.Use(RequestLogger(d.Logger))
	e.Use(Recovery(d.Logger))

	h := &handlers{d: d}

	e.GET("/health", h.health)
	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	authn := Authenticate(d.Tokens, d.Access)

	a := e.Group("/auth")
	a.POST("/login", h.login)
	a.POST("/refresh", h.refresh)
	a.POST("/logout", h.logout)
	a.POST("/logout-all", h.logoutAll, authn)

	t := e.Group("/api/tenant", authn, WithTenantPool(d.Pools))
	t.GET("/ping", h.ping)

	if d.AdminAPIKey == "" {
		d.Logger.Warn().Msg("ADMIN_API_KEY not set, admin routes disabled")
		return e
	}
	adm := e.Group("/admin", RequireAdminKey(d.AdminAPIKey))
	adm.GET("/tenants", h.listTenants)
	adm.POST("/tenants", h.createTenant)
	adm.GET("/tenants/:id", h.getTenant)
	adm.PUT("/tenants/:id", h.updateTenant)
	adm.DELETE("/tenants/:id", h.deleteTenant)
	adm.GET("/clients", h.listClients)
	adm.POST("/clients", h.createClient)
	adm.GET("/clients/:id", h.getClient)
	adm.PUT("/clients/:id", h.updateClient)
	adm.DELETE("/clients/:id", h.deactivateClient)
	return e
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   errorBody
			he     *echo.HTTPError
		)
		if errors.As(err, &he) {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			} else {
				body.Error = http.StatusText(he.Code)
			}
		} else {
			status = errs.HTTPStatus(err)
			body.Error = errs.MessageOf(err)
			body.Reason = errs.ReasonOf(err)
		}

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("Request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/service"
)

type handlers struct {
	d Deps
}

type loginRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TenantID     string `json:"tenant_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tenantRequest is the admin payload for a new tenant. TenantConfig never
// serializes the password, so it is carried separately here.
type tenantRequest struct {
	TenantID    string `json:"tenant_id"`
	Name        string `json:"name"`
	Engine      string `json:"engine"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password"`
	PasswordRef string `json:"password_ref"`
	Database    string `json:"database"`
}

func (r tenantRequest) config() *model.TenantConfig {
	return &model.TenantConfig{
		TenantID:    r.TenantID,
		Name:        r.Name,
		Engine:      model.Engine(r.Engine),
		Host:        r.Host,
		Port:        r.Port,
		User:        r.User,
		Password:    r.Password,
		PasswordRef: r.PasswordRef,
		Database:    r.Database,
	}
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return errs.BadRequest("api.bind", "malformed request body")
	}
	return nil
}

func (h *handlers) health(c echo.Context) error {
	report := h.d.Health.Check(c.Request().Context())
	status := http.StatusOK
	if report.Status == service.HealthDown {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func (h *handlers) login(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	pair, err := h.d.Tokens.Login(c.Request().Context(), req.ClientID, req.ClientSecret, req.TenantID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *handlers) refresh(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.RefreshToken == "" {
		return errs.BadRequest("api.refresh", "refresh_token is required")
	}
	pair, err := h.d.Tokens.Rotate(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *handlers) logout(c echo.Context) error {
	var req refreshRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := h.d.Tokens.Revoke(c.Request().Context(), req.RefreshToken); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) logoutAll(c echo.Context) error {
	ctx := c.Request().Context()
	id, _ := IdentityFromContext(ctx)
	if _, err := h.d.Tokens.RevokeAll(ctx, id.ClientID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ping round-trips the authenticated tenant's database.
func (h *handlers) ping(c echo.Context) error {
	ctx := c.Request().Context()
	id, _ := IdentityFromContext(ctx)
	handle, _ := PoolFromContext(ctx)

	if err := handle.Pool.Ping(ctx); err != nil {
		return errs.Connection("api.ping", err, "tenant database %q unreachable", id.TenantID)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"client_id": id.ClientID,
		"tenant_id": id.TenantID,
		"engine":    string(handle.Engine),
	})
}

func (h *handlers) listTenants(c echo.Context) error {
	tenants, err := h.d.Tenants.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tenants)
}

func (h *handlers) getTenant(c echo.Context) error {
	t, err := h.d.Tenants.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *handlers) createTenant(c echo.Context) error {
	var req tenantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	t, err := h.d.Tenants.Create(c.Request().Context(), req.config())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *handlers) updateTenant(c echo.Context) error {
	var upd model.TenantUpdate
	if err := bind(c, &upd); err != nil {
		return err
	}
	t, err := h.d.Tenants.Update(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *handlers) deleteTenant(c echo.Context) error {
	if err := h.d.Tenants.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listClients(c echo.Context) error {
	clients, err := h.d.Clients.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clients)
}

func (h *handlers) getClient(c echo.Context) error {
	cl, err := h.d.Clients.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *handlers) createClient(c echo.Context) error {
	var in model.ClientCreate
	if err := bind(c, &in); err != nil {
		return err
	}
	cl, err := h.d.Clients.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *handlers) updateClient(c echo.Context) error {
	var upd model.ClientUpdate
	if err := bind(c, &upd); err != nil {
		return err
	}
	cl, err := h.d.Clients.Update(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *handlers) deactivateClient(c echo.Context) error {
	if err := h.d.Clients.Deactivate(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/secrets"
)

// TenantStore persists tenant configurations.
type TenantStore interface {
	List(ctx context.Context) ([]*model.TenantConfig, error)
	Get(ctx context.Context, tenantID string) (*model.TenantConfig, error)
	Create(ctx context.Context, cfg *model.TenantConfig) error
	Update(ctx context.Context, tenantID string, upd model.TenantUpdate) (*model.TenantConfig, error)
	Delete(ctx context.Context, tenantID string) error
	ExistingIDs(ctx context.Context, ids []string) ([]string, error)
}

// PoolInvalidator drops cached pools after a configuration change.
type PoolInvalidator interface {
	Invalidate(tenantID string)
}

// TenantService is the tenant registry. Mutations invalidate the cached pool
// before returning so no later resolve sees stale connection parameters.
type TenantService struct {
	repo  TenantStore
	pools PoolInvalidator
}

func NewTenantService(repo TenantStore, pools PoolInvalidator) *TenantService {
	return &TenantService{repo: repo, pools: pools}
}

func (s *TenantService) List(ctx context.Context) ([]*model.TenantConfig, error) {
	return s.repo.List(ctx)
}

func (s *TenantService) Get(ctx context.Context, tenantID string) (*model.TenantConfig, error) {
	return s.repo.Get(ctx, tenantID)
}

// Create validates and stores a new tenant.
func (s *TenantService) Create(ctx context.Context, cfg *model.TenantConfig) (*model.TenantConfig, error) {
	const op = "TenantService.Create"

	if err := cfg.Validate(); err != nil {
		return nil, errs.BadRequest(op, "%v", err)
	}
	if err := validateCredentials(op, cfg.Password, cfg.PasswordRef); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, cfg); err != nil {
		return nil, err
	}

	log.Info().Str("tenant_id", cfg.TenantID).Str("engine", string(cfg.Engine)).Msg("Tenant created")
	return cfg, nil
}

// Update applies a partial update. The cached pool is invalidated only when a
// connection parameter changed.
func (s *TenantService) Update(ctx context.Context, tenantID string, upd model.TenantUpdate) (*model.TenantConfig, error) {
	const op = "TenantService.Update"

	if upd.IsEmpty() {
		return nil, errs.BadRequest(op, "no fields to update")
	}
	if upd.Password != nil && *upd.Password == "" {
		return nil, errs.BadRequest(op, "password must not be empty")
	}
	if upd.PasswordRef != nil && !secrets.IsReference(*upd.PasswordRef) {
		return nil, errs.BadRequest(op, "password_ref must start with %q", secrets.Prefix)
	}

	cfg, err := s.repo.Update(ctx, tenantID, upd)
	if err != nil {
		return nil, err
	}
	if upd.TouchesConnection() {
		s.pools.Invalidate(tenantID)
	}

	log.Info().Str("tenant_id", tenantID).Bool("connection_changed", upd.TouchesConnection()).Msg("Tenant updated")
	return cfg, nil
}

// Delete removes the tenant and closes its pool.
func (s *TenantService) Delete(ctx context.Context, tenantID string) error {
	if err := s.repo.Delete(ctx, tenantID); err != nil {
		return err
	}
	s.pools.Invalidate(tenantID)

	log.Info().Str("tenant_id", tenantID).Msg("Tenant deleted")
	return nil
}

// MissingIDs returns the ids that are not registered tenants, in input order.
func (s *TenantService) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	existing, err := s.repo.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func validateCredentials(op, password, ref string) error {
	switch {
	case password == "" && ref == "":
		return errs.BadRequest(op, "missing required fields: password")
	case ref != "" && !secrets.IsReference(ref):
		return errs.BadRequest(op, "password_ref must start with %q", secrets.Prefix)
	}
	return nil
}

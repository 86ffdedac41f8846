package service

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/clinic-tenant-broker/internal/crypto"
	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/store"
)

// ClientStore persists API clients.
type ClientStore interface {
	Get(ctx context.Context, clientID string) (*model.Client, error)
	ListActive(ctx context.Context) ([]*model.Client, error)
	Create(ctx context.Context, c *model.Client) error
	Update(ctx context.Context, clientID string, ch store.ClientChanges) (*model.Client, error)
	Deactivate(ctx context.Context, clientID string) error
}

// TenantChecker reports which tenant ids are unknown.
type TenantChecker interface {
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
}

// TokenRevoker revokes every refresh token of a client.
type TokenRevoker interface {
	RevokeAllForClient(ctx context.Context, clientID string) (int64, error)
}

// ClientService is the client directory and access-control check.
type ClientService struct {
	repo       ClientStore
	tenants    TenantChecker
	tokens     TokenRevoker
	bcryptCost int
	equalizer  *crypto.Equalizer
}

// NewClientService wires the directory. A zero bcryptCost uses bcrypt's default.
func NewClientService(repo ClientStore, tenants TenantChecker, tokens TokenRevoker, bcryptCost int) *ClientService {
	return &ClientService{
		repo:       repo,
		tenants:    tenants,
		tokens:     tokens,
		bcryptCost: bcryptCost,
		equalizer:  crypto.NewEqualizer(bcryptCost),
	}
}

// Validate checks a client's secret. Unknown, inactive and mismatched
// clients are indistinguishable to the caller.
func (s *ClientService) Validate(ctx context.Context, clientID, secret string) (*model.Client, error) {
	const op = "ClientService.Validate"

	c, err := s.repo.Get(ctx, clientID)
	if errs.IsKind(err, errs.KindNotFound) {
		s.equalizer.Burn(secret)
		return nil, errs.Auth(op, errs.ReasonInvalidCredentials, "invalid client credentials")
	}
	if err != nil {
		return nil, err
	}
	if !crypto.CompareSecret(c.SecretHash, secret) || !c.Active {
		return nil, errs.Auth(op, errs.ReasonInvalidCredentials, "invalid client credentials")
	}
	return c.Redacted(), nil
}

// HasAccess reports whether an active client may use tenantID.
func (s *ClientService) HasAccess(ctx context.Context, clientID, tenantID string) (bool, error) {
	c, err := s.repo.Get(ctx, clientID)
	if errs.IsKind(err, errs.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Active && c.CanAccess(tenantID), nil
}

func (s *ClientService) Get(ctx context.Context, clientID string) (*model.Client, error) {
	c, err := s.repo.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return c.Redacted(), nil
}

// List returns active clients.
func (s *ClientService) List(ctx context.Context) ([]*model.Client, error) {
	clients, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Client, len(clients))
	for i, c := range clients {
		out[i] = c.Redacted()
	}
	return out, nil
}

// Create registers a client with a hashed secret.
func (s *ClientService) Create(ctx context.Context, in model.ClientCreate) (*model.Client, error) {
	const op = "ClientService.Create"

	var missing []string
	if strings.TrimSpace(in.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if in.Secret == "" {
		missing = append(missing, "client_secret")
	}
	if strings.TrimSpace(in.Name) == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return nil, errs.BadRequest(op, "missing required fields: %s", strings.Join(missing, ", "))
	}

	tenants := dedupe(in.AllowedTenants)
	if err := s.checkTenants(ctx, op, tenants); err != nil {
		return nil, err
	}

	hash, err := crypto.HashSecret(in.Secret, s.bcryptCost)
	if err != nil {
		return nil, errs.Internal(op, err, "hash client secret")
	}

	c := &model.Client{
		ClientID:       in.ClientID,
		SecretHash:     hash,
		Name:           in.Name,
		AllowedTenants: tenants,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}

	log.Info().Str("client_id", c.ClientID).Strs("allowed_tenants", tenants).Msg("Client created")
	return c.Redacted(), nil
}

// Update changes name, secret or allowed tenants of an active client.
func (s *ClientService) Update(ctx context.Context, clientID string, upd model.ClientUpdate) (*model.Client, error) {
	const op = "ClientService.Update"

	if upd.Name == nil && upd.Secret == nil && upd.AllowedTenants == nil {
		return nil, errs.BadRequest(op, "no fields to update")
	}
	if upd.Name != nil && strings.TrimSpace(*upd.Name) == "" {
		return nil, errs.BadRequest(op, "name must not be empty")
	}

	ch := store.ClientChanges{Name: upd.Name}
	if upd.AllowedTenants != nil {
		tenants := dedupe(*upd.AllowedTenants)
		if err := s.checkTenants(ctx, op, tenants); err != nil {
			return nil, err
		}
		ch.AllowedTenants = &tenants
	}
	if upd.Secret != nil {
		if *upd.Secret == "" {
			return nil, errs.BadRequest(op, "client_secret must not be empty")
		}
		hash, err := crypto.HashSecret(*upd.Secret, s.bcryptCost)
		if err != nil {
			return nil, errs.Internal(op, err, "hash client secret")
		}
		ch.SecretHash = &hash
	}

	c, err := s.repo.Update(ctx, clientID, ch)
	if err != nil {
		return nil, err
	}

	log.Info().Str("client_id", clientID).Msg("Client updated")
	return c.Redacted(), nil
}

// Deactivate soft-deletes a client and revokes its refresh tokens.
func (s *ClientService) Deactivate(ctx context.Context, clientID string) error {
	if err := s.repo.Deactivate(ctx, clientID); err != nil {
		return err
	}
	revoked, err := s.tokens.RevokeAllForClient(ctx, clientID)
	if err != nil {
		return err
	}

	log.Info().Str("client_id", clientID).Int64("revoked_tokens", revoked).Msg("Client deactivated")
	return nil
}

func (s *ClientService) checkTenants(ctx context.Context, op string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	missing, err := s.tenants.MissingIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errs.BadRequest(op, "Invalid tenants: %s", strings.Join(missing, ", "))
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

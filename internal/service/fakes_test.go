package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/store"
)

type memTenants struct {
	mu      sync.Mutex
	tenants map[string]model.TenantConfig
}

func newMemTenants(ids ...string) *memTenants {
	m := &memTenants{tenants: map[string]model.TenantConfig{}}
	for _, id := range ids {
		m.tenants[id] = model.TenantConfig{
			TenantID: id, Name: id, Engine: model.EnginePostgres,
			Host: "db", Port: 5432, User: "u", Password: "p", Database: id,
		}
	}
	return m
}

func (m *memTenants) List(context.Context) ([]*model.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TenantConfig
	for _, c := range m.tenants {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (m *memTenants) Get(_ context.Context, id string) (*model.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.tenants[id]
	if !ok {
		return nil, errs.NotFound("mem.Get", "tenant %q not found", id)
	}
	return &c, nil
}

func (m *memTenants) Create(_ context.Context, cfg *model.TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[cfg.TenantID]; ok {
		return errs.Conflict("mem.Create", "tenant %q already exists", cfg.TenantID)
	}
	m.tenants[cfg.TenantID] = *cfg
	return nil
}

func (m *memTenants) Update(_ context.Context, id string, upd model.TenantUpdate) (*model.TenantConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.tenants[id]
	if !ok {
		return nil, errs.NotFound("mem.Update", "tenant %q not found", id)
	}
	upd.Apply(&c)
	m.tenants[id] = c
	return &c, nil
}

func (m *memTenants) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return errs.NotFound("mem.Delete", "tenant %q not found", id)
	}
	delete(m.tenants, id)
	return nil
}

func (m *memTenants) ExistingIDs(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := m.tenants[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

type memClients struct {
	mu      sync.Mutex
	clients map[string]model.Client
}

func newMemClients() *memClients {
	return &memClients{clients: map[string]model.Client{}}
}

func (m *memClients) Get(_ context.Context, id string) (*model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, errs.NotFound("mem.Get", "client %q not found", id)
	}
	return &c, nil
}

func (m *memClients) ListActive(context.Context) ([]*model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Client
	for _, c := range m.clients {
		if c.Active {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memClients) Create(_ context.Context, c *model.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c.ClientID]; ok {
		return errs.Conflict("mem.Create", "client %q already exists", c.ClientID)
	}
	c.Active = true
	m.clients[c.ClientID] = *c
	return nil
}

func (m *memClients) Update(_ context.Context, id string, ch store.ClientChanges) (*model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok || !c.Active {
		return nil, errs.NotFound("mem.Update", "client %q not found", id)
	}
	if ch.Name != nil {
		c.Name = *ch.Name
	}
	if ch.SecretHash != nil {
		c.SecretHash = *ch.SecretHash
	}
	if ch.AllowedTenants != nil {
		c.AllowedTenants = *ch.AllowedTenants
	}
	m.clients[id] = c
	return &c, nil
}

func (m *memClients) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok || !c.Active {
		return errs.NotFound("mem.Deactivate", "client %q not found", id)
	}
	c.Active = false
	m.clients[id] = c
	return nil
}

type memTokens struct {
	mu   sync.Mutex
	rows []*model.RefreshToken
}

func (m *memTokens) Create(_ context.Context, tok *model.RefreshToken, revokePrior bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revokePrior {
		for _, r := range m.rows {
			if r.ClientID == tok.ClientID {
				r.Revoked = true
			}
		}
	}
	cp := *tok
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memTokens) Replace(_ context.Context, oldID uuid.UUID, next *model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == oldID && !r.Revoked {
			r.Revoked = true
			cp := *next
			m.rows = append(m.rows, &cp)
			return nil
		}
	}
	return errs.NotFound("mem.Replace", "refresh token already used")
}

func (m *memTokens) FindActive(_ context.Context, hash string, now time.Time) (*model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TokenHash == hash && r.State(now) == model.TokenActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, errs.NotFound("mem.FindActive", "refresh token not found")
}

func (m *memTokens) RevokeByHash(_ context.Context, hash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.TokenHash == hash && !r.Revoked {
			r.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *memTokens) RevokeAllForClient(_ context.Context, clientID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.ClientID == clientID && !r.Revoked {
			r.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *memTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var n int64
	for _, r := range m.rows {
		if r.ExpiresAt.Before(now) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

func (m *memTokens) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memTokens) active(clientID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.ClientID == clientID && r.State(now) == model.TokenActive {
			n++
		}
	}
	return n
}

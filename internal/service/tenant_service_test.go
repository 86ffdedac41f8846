package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

func setupTenantService(ids ...string) (*TenantService, *memTenants, *recordingInvalidator) {
	repo := newMemTenants(ids...)
	inv := &recordingInvalidator{}
	return NewTenantService(repo, inv), repo, inv
}

func TestTenantService_Create(t *testing.T) {
	svc, _, _ := setupTenantService()
	ctx := context.Background()

	cfg, err := svc.Create(ctx, &model.TenantConfig{
		TenantID: "clinic-a", Name: "Clinic A", Engine: "mysql",
		Host: "db", User: "u", Password: "p", Database: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, 3306, cfg.Port)

	_, err = svc.Create(ctx, &model.TenantConfig{
		TenantID: "clinic-a", Name: "Clinic A", Engine: "mysql",
		Host: "db", User: "u", Password: "p", Database: "a",
	})
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestTenantService_CreateValidation(t *testing.T) {
	svc, _, _ := setupTenantService()
	ctx := context.Background()

	_, err := svc.Create(ctx, &model.TenantConfig{TenantID: "x", Engine: "postgres"})
	assert.True(t, errs.IsKind(err, errs.KindBadRequest))
	assert.Contains(t, errs.MessageOf(err), "name")

	_, err = svc.Create(ctx, &model.TenantConfig{
		TenantID: "x", Name: "X", Engine: "oracle", Host: "h", User: "u", Password: "p", Database: "d",
	})
	assert.True(t, errs.IsKind(err, errs.KindBadRequest))

	_, err = svc.Create(ctx, &model.TenantConfig{
		TenantID: "x", Name: "X", Engine: "postgres", Host: "h", User: "u", Database: "d",
	})
	assert.True(t, errs.IsKind(err, errs.KindBadRequest))

	_, err = svc.Create(ctx, &model.TenantConfig{
		TenantID: "x", Name: "X", Engine: "postgres", Host: "h", User: "u", Database: "d",
		PasswordRef: "vault:x",
	})
	assert.True(t, errs.IsKind(err, errs.KindBadRequest))
}

func TestTenantService_UpdateInvalidatesOnConnectionChange(t *testing.T) {
	svc, _, inv := setupTenantService("clinic-a")
	ctx := context.Background()

	name := "Renamed"
	_, err := svc.Update(ctx, "clinic-a", model.TenantUpdate{Name: &name})
	require.NoError(t, err)
	assert.Empty(t, inv.ids, "a name change keeps the pool")

	host := "db2"
	cfg, err := svc.Update(ctx, "clinic-a", model.TenantUpdate{Host: &host})
	require.NoError(t, err)
	assert.Equal(t, "db2", cfg.Host)
	assert.Equal(t, []string{"clinic-a"}, inv.ids)
}

func TestTenantService_UpdateErrors(t *testing.T) {
	svc, _, inv := setupTenantService("clinic-a")
	ctx := context.Background()

	_, err := svc.Update(ctx, "clinic-a", model.TenantUpdate{})
	assert.True(t, errs.IsKind(err, errs.KindBadRequest))

	host := "db2"
	_, err = svc.Update(ctx, "ghost", model.TenantUpdate{Host: &host})
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.Empty(t, inv.ids)

	empty := ""
	_, err = svc.Update(ctx, "clinic-a", model.TenantUpdate{Password: &empty})
	assert.True(t, errs.IsKind(err, errs.KindBadRequest))
}

func TestTenantService_DeleteInvalidates(t *testing.T) {
	svc, repo, inv := setupTenantService("clinic-a")
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, "clinic-a"))
	assert.Equal(t, []string{"clinic-a"}, inv.ids)
	_, err := repo.Get(ctx, "clinic-a")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	err = svc.Delete(ctx, "clinic-a")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.Len(t, inv.ids, 1)
}

func TestTenantService_MissingIDs(t *testing.T) {
	svc, _, _ := setupTenantService("t1", "t2")

	missing, err := svc.MissingIDs(context.Background(), []string{"t1", "ghost", "t2", "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost", "other"}, missing)
}

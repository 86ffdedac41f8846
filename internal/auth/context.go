package auth

import (
	"context"

	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
)

type ctxKey struct{}

// NewContext attaches a validated identity to ctx.
func NewContext(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by NewContext.
func FromContext(ctx context.Context) (*model.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*model.Identity)
	return id, ok && id != nil
}

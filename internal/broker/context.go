package broker

import "context"

type ctxKey struct{}

// NewContext attaches a resolved tenant pool to ctx.
func NewContext(ctx context.Context, h *PoolHandle) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext returns the pool attached by NewContext.
func FromContext(ctx context.Context) (*PoolHandle, bool) {
	h, ok := ctx.Value(ctxKey{}).(*PoolHandle)
	return h, ok && h != nil
}

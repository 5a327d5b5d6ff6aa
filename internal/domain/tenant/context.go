package tenant

import "context"

type ctxKey struct{}

// WithContext stores the authenticated tenant in ctx.
func WithContext(ctx context.Context, t Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tenant stored by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	t, ok := ctx.Value(ctxKey{}).(Context)
	return t, ok
}

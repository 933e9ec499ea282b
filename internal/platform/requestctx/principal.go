// Package requestctx carries request-scoped identity across layers.
package requestctx

import "context"

// principalContextKey is the context key for the authenticated principal.
type principalContextKey struct{}

// WithPrincipal stores a principal identifier in context.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalContextKey{}, principalID)
}

// PrincipalFromContext returns the principal identifier stored in context.
func PrincipalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(principalContextKey{}).(string)
	return value
}

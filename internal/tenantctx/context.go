package tenantctx

import (
	"context"
	"strings"
)

// TenantContextKey is the request context key for the active tenant code.
type TenantContextKey struct{}

// WithTenant stores the tenant code in the context.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantContextKey{}, strings.TrimSpace(tenant))
}

// TenantFromContext returns the tenant code from context, if set.
func TenantFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(TenantContextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

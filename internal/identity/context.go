package identity

import (
	"context"
	"strings"
)

type callerContextKey struct{}
type tenantContextKey struct{}

// ContextWithCaller attaches the authenticated caller's identifier and role
// to the context.
func ContextWithCaller(ctx context.Context, identifier, role string) context.Context {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, Caller{Identifier: identifier, Role: role})
}

// Caller is the authenticated principal attached to a request context.
type Caller struct {
	Identifier string
	Role       string
}

// CallerFromContext extracts the authenticated caller from the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(Caller)
	if !ok || v.Identifier == "" {
		return Caller{}, false
	}
	return v, true
}

// ContextWithTenant stores the tenant identifier in the context.
func ContextWithTenant(ctx context.Context, tenant string) context.Context {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext returns the tenant identifier if one was attached.
func TenantFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tenantContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

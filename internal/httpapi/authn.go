package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tessera.org/internal/identity"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Tenant"
)

// Paths that skip bearer authentication entirely. The token endpoint is how
// callers obtain credentials, and tenant provisioning bootstraps a tenant
// that has nothing to authenticate against yet.
var publicPaths = []string{
	"/v1/token",
	"/v1/tenants/provision",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// Paths that do not carry a tenant. Everything else, the token endpoint
// included, requires the X-Tenant header.
var tenantExemptPaths = []string{
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withTenant resolves the X-Tenant header into the request context. Tokens,
// users, keys and permissions are all scoped by it.
func (a *API) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isTenantExemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		tenant := strings.TrimSpace(r.Header.Get(tenantHeader))
		if tenant == "" {
			writeError(w, r, http.StatusBadRequest, "missing tenant header")
			return
		}
		ctx := identity.ContextWithTenant(r.Context(), tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAuth verifies the bearer token against the tenant's signing keys and
// then authorizes the request against the caller's role.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.service == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tenant, ok := identity.TenantFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusBadRequest, "missing tenant header")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.service.VerifyAccessToken(r.Context(), tenant, token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrNotProvisioned):
				w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := identity.ContextWithCaller(r.Context(), claims.Subject, claims.Role)

		if err := a.authorize(r, tenant, claims.Subject, claims.Role); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
			writeError(w, r, http.StatusForbidden, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize maps the request onto the permission model. The event stream only
// requires a verified caller.
func (a *API) authorize(r *http.Request, tenant, caller, role string) error {
	if r.URL.Path == "/v1/events" {
		return nil
	}
	if a.permissions == nil {
		return nil
	}
	method, err := identity.ParseMethod(r.Method)
	if err != nil {
		return errors.New("method not permitted")
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1")
	allowed, err := a.permissions.RoleAllows(r.Context(), tenant, role, method, path, caller)
	if err != nil {
		return errors.New("authorization check failed")
	}
	if !allowed {
		return errors.New("insufficient permissions")
	}
	return nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isTenantExemptPath(path string) bool {
	for _, p := range tenantExemptPaths {
		if path == p {
			return true
		}
	}
	return false
}

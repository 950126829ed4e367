package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

const (
	grantPassword     = "password"
	grantRefreshToken = "refresh_token"
	grantFederated    = "federated"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Assertion    string `json:"assertion,omitempty"`
}

// handleToken runs one authentication attempt. Three grants: password,
// refresh_token and federated. The response carries a fresh token pair.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.service == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
		return
	}

	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant := strings.TrimSpace(req.GrantType)
	var (
		decision identity.AuthenticationDecision
		err      error
	)
	switch grant {
	case grantPassword:
		decision, err = a.service.AuthenticatePassword(r.Context(), tenant, req.Username, req.Password)
	case grantRefreshToken:
		decision, err = a.service.AuthenticateRefreshToken(r.Context(), tenant, req.RefreshToken)
	case grantFederated:
		decision, err = a.service.AuthenticateFederated(r.Context(), tenant, req.Username, req.Assertion)
	default:
		writeError(w, r, http.StatusBadRequest, "unsupported grant_type")
		return
	}

	obs.ObserveAuthentication(grant, err == nil)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"grant":      grant,
		"subject":    decision.Subject,
		"expires_at": decision.AccessTokenExpiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, decision)
}

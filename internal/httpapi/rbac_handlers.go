package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tessera.org/internal/audit"
	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
)

// --- provisioning ---

type provisionRequest struct {
	Tenant          string `json:"tenant"`
	InitialPassword string `json:"initial_password"`
}

// handleProvision creates the tenant's signing key, builtin permission groups
// and administrator account. Repeat calls reset the administrator password
// without touching the keys.
func (a *API) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.provisioner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "provisioning disabled")
		return
	}

	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	set, err := a.provisioner.Provision(r.Context(), req.Tenant, req.InitialPassword)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	obs.ObserveTenantProvisioned()
	_ = audit.LogEvent(r.Context(), "tenant.provisioned", map[string]any{
		"tenant":        req.Tenant,
		"key_timestamp": set.Timestamp,
	})

	writeJSON(w, http.StatusOK, set)
}

// --- users ---

type createUserRequest struct {
	Identifier string `json:"identifier"`
	Role       string `json:"role"`
	Password   string `json:"password,omitempty"`
}

type userResponse struct {
	Identifier        string    `json:"identifier"`
	Role              string    `json:"role"`
	Federated         bool      `json:"federated"`
	PasswordExpiresOn time.Time `json:"password_expires_on,omitzero"`
	CreatedAt         time.Time `json:"created_at"`
}

func userToResponse(u *identity.User) userResponse {
	return userResponse{
		Identifier:        u.Identifier,
		Role:              u.Role,
		Federated:         !u.HasPassword(),
		PasswordExpiresOn: u.PasswordExpiresOn,
		CreatedAt:         u.CreatedAt,
	}
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	switch r.Method {
	case http.MethodGet:
		all, err := a.users.Users(r.Context(), tenant)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		out := make([]userResponse, 0, len(all))
		for _, u := range all {
			out = append(out, userToResponse(u))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		var (
			user *identity.User
			err  error
		)
		if strings.TrimSpace(req.Password) == "" {
			user, err = a.users.CreateFederatedUser(r.Context(), tenant, req.Identifier, req.Role)
		} else {
			actor := ""
			if caller, ok := identity.CallerFromContext(r.Context()); ok {
				actor = caller.Identifier
			}
			user, err = a.users.CreateUser(r.Context(), tenant, actor, req.Identifier, req.Role, req.Password)
		}
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "user.created", map[string]any{
			"identifier": user.Identifier,
			"role":       user.Role,
		})
		writeJSON(w, http.StatusCreated, userToResponse(user))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type changePasswordRequest struct {
	Password string `json:"password"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleUserPath(w http.ResponseWriter, r *http.Request) {
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	segs := strings.Split(rest, "/")
	switch {
	case len(segs) == 1 && segs[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		user, err := a.users.User(r.Context(), tenant, segs[0])
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, userToResponse(user))
	case len(segs) == 2 && segs[1] == "password":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req changePasswordRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		kind := identity.AdministratorForced
		if caller, ok := identity.CallerFromContext(r.Context()); ok && caller.Identifier == segs[0] {
			kind = identity.SelfService
		}
		if err := a.users.ChangeUserPassword(r.Context(), tenant, segs[0], req.Password, kind); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "user.password.changed", map[string]any{
			"identifier": segs[0],
			"forced":     kind == identity.AdministratorForced,
		})
		w.WriteHeader(http.StatusNoContent)
	case len(segs) == 2 && segs[1] == "role":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req changeRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.users.ChangeUserRole(r.Context(), tenant, segs[0], req.Role); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "user.role.changed", map[string]any{
			"identifier": segs[0],
			"role":       req.Role,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- roles ---

type createRoleRequest struct {
	Identifier string                     `json:"identifier"`
	Grants     []identity.PermissionGrant `json:"grants"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	switch r.Method {
	case http.MethodGet:
		roles, err := a.store.Roles().All(r.Context(), tenant)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, roles)
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.permissions.DefineRole(r.Context(), tenant, req.Identifier, req.Grants...)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "role.defined", map[string]any{
			"identifier": role.Identifier,
		})
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRolePath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	role, err := a.permissions.Role(r.Context(), tenant, id)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// --- permittable groups ---

type createPermittableGroupRequest struct {
	Identifier string   `json:"identifier"`
	Paths      []string `json:"paths"`
}

func (a *API) handlePermittableGroups(w http.ResponseWriter, r *http.Request) {
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	switch r.Method {
	case http.MethodGet:
		groups, err := a.store.PermittableGroups().All(r.Context(), tenant)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var req createPermittableGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		group, err := a.permissions.DefinePermittableGroup(r.Context(), tenant, req.Identifier, req.Paths...)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "permittablegroup.defined", map[string]any{
			"identifier": group.Identifier,
		})
		writeJSON(w, http.StatusCreated, group)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermittableGroupPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permittablegroups/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	group, err := a.store.PermittableGroups().Get(r.Context(), tenant, id)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// --- signing keys ---

func (a *API) handleSignatures(w http.ResponseWriter, r *http.Request) {
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	switch r.Method {
	case http.MethodGet:
		timestamps, err := a.keyring.AllTimestamps(r.Context(), tenant)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"timestamps": timestamps})
	case http.MethodPost:
		key, err := a.keyring.GenerateAndStore(r.Context(), tenant)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		set, err := identity.SignatureSet(key)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		obs.ObserveSigningKeyGenerated()
		_ = audit.LogEvent(r.Context(), "signature.rotated", map[string]any{
			"key_timestamp": set.Timestamp,
		})
		writeJSON(w, http.StatusCreated, set)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSignaturePath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	ts := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/signatures/"), "/")
	if ts == "" || strings.Contains(ts, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	key, err := a.keyring.KeyByTimestamp(r.Context(), tenant, ts)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	set, err := identity.SignatureSet(key)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// --- push tokens ---

type registerPushTokenRequest struct {
	DeviceToken string `json:"device_token"`
}

func (a *API) handlePushTokens(w http.ResponseWriter, r *http.Request) {
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	caller, ok := identity.CallerFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return
	}
	switch r.Method {
	case http.MethodGet:
		tokens, err := a.store.PushTokens().ByUser(r.Context(), tenant, caller.Identifier)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tokens)
	case http.MethodPost:
		var req registerPushTokenRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.DeviceToken) == "" {
			writeError(w, r, http.StatusBadRequest, "device_token is required")
			return
		}
		token := &identity.PushToken{
			UserIdentifier: caller.Identifier,
			DeviceToken:    strings.TrimSpace(req.DeviceToken),
			CreatedAt:      time.Now().UTC(),
		}
		if err := a.store.PushTokens().Put(r.Context(), tenant, token); err != nil {
			handleIdentityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, token)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePushTokenPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	tenant, ok := identity.TenantFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, "missing tenant header")
		return
	}
	device := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/pushtokens/"), "/")
	if device == "" || strings.Contains(device, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err := a.store.PushTokens().Delete(r.Context(), tenant, device); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

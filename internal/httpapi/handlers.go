package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tessera.org/internal/identity"
	"tessera.org/internal/obs"
	"tessera.org/internal/stream"
)

// ReadyProbe — readiness check (for example, a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API — HTTP layer over the identity authority.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	provisioner *identity.Provisioner
	service     *identity.Service
	users       *identity.UserService
	permissions *identity.PermissionModel
	keyring     *identity.Keyring
	store       identity.Store
	stream      *stream.Stream
}

// Deps carries the domain components the API exposes.
type Deps struct {
	Provisioner *identity.Provisioner
	Service     *identity.Service
	Users       *identity.UserService
	Permissions *identity.PermissionModel
	Keyring     *identity.Keyring
	Store       identity.Store
	Stream      *stream.Stream
}

func New(rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		provisioner: deps.Provisioner,
		service:     deps.Service,
		users:       deps.Users,
		permissions: deps.Permissions,
		keyring:     deps.Keyring,
		store:       deps.Store,
		stream:      deps.Stream,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication and provisioning
	a.mux.HandleFunc("/v1/token", a.handleToken)
	a.mux.HandleFunc("/v1/tenants/provision", a.handleProvision)

	// identity resources
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserPath)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRolePath)
	a.mux.HandleFunc("/v1/permittablegroups", a.handlePermittableGroups)
	a.mux.HandleFunc("/v1/permittablegroups/", a.handlePermittableGroupPath)
	a.mux.HandleFunc("/v1/signatures", a.handleSignatures)
	a.mux.HandleFunc("/v1/signatures/", a.handleSignaturePath)
	a.mux.HandleFunc("/v1/pushtokens", a.handlePushTokens)
	a.mux.HandleFunc("/v1/pushtokens/", a.handlePushTokenPath)

	// notification stream
	a.mux.HandleFunc("/v1/events", a.Stream)

	// root — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full http.Handler: tenant resolution, bearer
// authentication and authorization wrap the mux, metrics wrap everything.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withTenant(a.withAuth(a.mux)))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tessera",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tessera",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrBadRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", `Bearer realm="tessera"`)
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrNotProvisioned):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

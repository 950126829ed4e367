package identity

import "errors"

var (
	// ErrNotFound indicates a referenced user, tenant or role is absent.
	ErrNotFound = errors.New("identity: not found")
	// ErrInvalidCredentials covers password mismatch, unknown identifier and
	// bad or expired token signatures. Callers cannot tell these apart.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrBadRequest indicates a malformed grant, missing field, reserved
	// identifier or identifier/token mismatch.
	ErrBadRequest = errors.New("identity: bad request")
	// ErrConflict indicates the record already exists.
	ErrConflict = errors.New("identity: conflict")
	// ErrInternal indicates a storage or key-generation failure.
	ErrInternal = errors.New("identity: internal error")
	// ErrNotProvisioned indicates the tenant has no signing key yet.
	ErrNotProvisioned = errors.New("identity: tenant not provisioned")
)

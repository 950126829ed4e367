package identity

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Method is an HTTP verb a permittable covers.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// AllMethods returns the four verbs every permittable group expands into.
func AllMethods() []Method {
	return []Method{MethodGet, MethodPost, MethodPut, MethodDelete}
}

// ParseMethod normalizes a verb string into a Method.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case MethodGet:
		return MethodGet, nil
	case MethodPost:
		return MethodPost, nil
	case MethodPut:
		return MethodPut, nil
	case MethodDelete:
		return MethodDelete, nil
	default:
		return "", fmt.Errorf("%w: unsupported method %q", ErrBadRequest, s)
	}
}

// Tenant is an isolated identity domain with its own keys, users and policy.
// The fixed salt doubles as the "already provisioned" marker: the provisioner
// writes it only after every other structure exists.
type Tenant struct {
	Identifier                                string
	FixedSalt                                 []byte
	PasswordExpiresInDays                     int
	TimeToChangePasswordAfterExpirationInDays int
	CreatedAt                                 time.Time
}

// SigningKey is one asymmetric key pair owned by a tenant. Keys are append
// only; the lexicographically greatest timestamp identifies the active key.
type SigningKey struct {
	Timestamp  string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
}

// ApplicationSignatureSet is the public projection of a SigningKey handed to
// resource servers so they can verify tokens without the private key.
type ApplicationSignatureSet struct {
	Timestamp    string `json:"timestamp"`
	PublicKeyPEM string `json:"public_key"`
}

// Permittable is one (path pattern, method) authorization unit.
type Permittable struct {
	Path   string `json:"path"`
	Method Method `json:"method"`
}

// PermittableGroup is a named set of permittables, the unit roles grant
// access to.
type PermittableGroup struct {
	Identifier   string        `json:"identifier"`
	Permittables []Permittable `json:"permittables"`
}

// AllowedOperations is a tagged variant: either the ALL sentinel, granting
// every method of the referenced group, or an explicit method subset.
type AllowedOperations struct {
	all    bool
	subset map[Method]struct{}
}

// AllOperations returns the ALL sentinel.
func AllOperations() AllowedOperations {
	return AllowedOperations{all: true}
}

// Operations returns an explicit method subset.
func Operations(methods ...Method) AllowedOperations {
	subset := make(map[Method]struct{}, len(methods))
	for _, m := range methods {
		subset[m] = struct{}{}
	}
	return AllowedOperations{subset: subset}
}

// IsAll reports whether the ALL sentinel is set.
func (a AllowedOperations) IsAll() bool { return a.all }

// Allows reports whether the method is granted.
func (a AllowedOperations) Allows(m Method) bool {
	if a.all {
		return true
	}
	_, ok := a.subset[m]
	return ok
}

// Methods returns the explicit subset in stable order; nil for ALL.
func (a AllowedOperations) Methods() []Method {
	if a.all {
		return nil
	}
	var out []Method
	for _, m := range AllMethods() {
		if _, ok := a.subset[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

const allOperationsSentinel = "ALL"

// MarshalJSON encodes ALL as the string sentinel and subsets as arrays.
func (a AllowedOperations) MarshalJSON() ([]byte, error) {
	if a.all {
		return json.Marshal(allOperationsSentinel)
	}
	methods := a.Methods()
	if methods == nil {
		methods = []Method{}
	}
	return json.Marshal(methods)
}

// UnmarshalJSON accepts the string sentinel or an array of methods.
func (a *AllowedOperations) UnmarshalJSON(data []byte) error {
	var sentinel string
	if err := json.Unmarshal(data, &sentinel); err == nil {
		if !strings.EqualFold(sentinel, allOperationsSentinel) {
			return fmt.Errorf("unsupported operations sentinel %q", sentinel)
		}
		*a = AllOperations()
		return nil
	}
	var methods []Method
	if err := json.Unmarshal(data, &methods); err != nil {
		return err
	}
	*a = Operations(methods...)
	return nil
}

// PermissionGrant scopes allowed operations to one permittable group.
type PermissionGrant struct {
	PermittableGroupIdentifier string            `json:"permittable_group_identifier"`
	AllowedOperations          AllowedOperations `json:"allowed_operations"`
}

// Role is a named set of grants, assigned to users by identifier reference.
type Role struct {
	Identifier string            `json:"identifier"`
	Grants     []PermissionGrant `json:"grants"`
}

// User is one credential record. Identifier and Role are non-empty once
// stored; the password fields are absent for federated accounts.
type User struct {
	ID                string
	Identifier        string
	Role              string
	PasswordHash      []byte
	Salt              []byte
	IterationCount    int
	PasswordExpiresOn time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasPassword reports whether the user carries local password material.
func (u *User) HasPassword() bool {
	return len(u.PasswordHash) > 0
}

// PushToken links a user identifier to a device token for outbound
// notification delivery.
type PushToken struct {
	UserIdentifier string    `json:"user_identifier"`
	DeviceToken    string    `json:"device_token"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuthenticationDecision is the ephemeral result of a successful grant. The
// password expiration is echoed so clients can warn users; it is not a hard
// login block.
type AuthenticationDecision struct {
	Subject               string    `json:"subject"`
	AccessToken           string    `json:"access_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	PasswordExpiresOn     time.Time `json:"password_expires_on,omitempty"`
}

// PasswordChangeKind states, explicitly, whether a password write is a
// self-service change or forced by an administrator. The two kinds carry
// different expiration windows.
type PasswordChangeKind int

const (
	SelfService PasswordChangeKind = iota
	AdministratorForced
)

// Identifiers reserved for the system itself; rejected at the user-creation
// boundary.
const (
	GuestIdentifier   = "guest"
	SystemIdentifier  = "system"
	ServiceIdentifier = "tessera"
	AdminIdentifier   = "operator"

	AdminRoleIdentifier = "admin"
)

// IsReservedIdentifier reports whether the login name is reserved.
func IsReservedIdentifier(identifier string) bool {
	switch strings.ToLower(strings.TrimSpace(identifier)) {
	case GuestIdentifier, SystemIdentifier, ServiceIdentifier, AdminIdentifier:
		return true
	}
	return false
}

package identity

import "context"

// Store describes persistence required by the identity authority. Every
// sub-store is keyed by the tenant identifier; implementations must keep
// tenants fully isolated from each other.
type Store interface {
	Tenants() TenantStore
	Signatures() SignatureStore
	Users() UserStore
	PermittableGroups() PermittableGroupStore
	Roles() RoleStore
	PushTokens() PushTokenStore
}

// TenantStore manages the per-tenant policy record. The record is written
// once, at the end of fresh provisioning.
type TenantStore interface {
	Put(ctx context.Context, tenant *Tenant) error
	Get(ctx context.Context, identifier string) (*Tenant, error)
}

// SignatureStore is the append-only set of signing keys for a tenant. Keys
// are never updated or deleted.
type SignatureStore interface {
	Add(ctx context.Context, tenant string, key *SigningKey) error
	Get(ctx context.Context, tenant, timestamp string) (*SigningKey, error)
	Timestamps(ctx context.Context, tenant string) ([]string, error)
}

// UserStore manages credential records. Upsert must replace the whole
// hash/salt/iteration triple atomically.
type UserStore interface {
	Upsert(ctx context.Context, tenant string, user *User) error
	Get(ctx context.Context, tenant, identifier string) (*User, error)
	All(ctx context.Context, tenant string) ([]*User, error)
}

// PermittableGroupStore manages authorization groups. Put overwrites an
// existing group with the same identifier.
type PermittableGroupStore interface {
	Put(ctx context.Context, tenant string, group *PermittableGroup) error
	Get(ctx context.Context, tenant, identifier string) (*PermittableGroup, error)
	All(ctx context.Context, tenant string) ([]*PermittableGroup, error)
}

// RoleStore manages roles.
type RoleStore interface {
	Put(ctx context.Context, tenant string, role *Role) error
	Get(ctx context.Context, tenant, identifier string) (*Role, error)
	All(ctx context.Context, tenant string) ([]*Role, error)
}

// PushTokenStore manages device tokens registered for outbound notifications.
type PushTokenStore interface {
	Put(ctx context.Context, tenant string, token *PushToken) error
	ByUser(ctx context.Context, tenant, userIdentifier string) ([]*PushToken, error)
	Delete(ctx context.Context, tenant, deviceToken string) error
}

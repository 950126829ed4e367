package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPasswordExpiresInDays is how long a self-chosen password lives.
	DefaultPasswordExpiresInDays = 93
	// DefaultTimeToChangePasswordAfterExpirationInDays is the short window
	// applied to administrator-set passwords, compelling the target to pick
	// their own promptly.
	DefaultTimeToChangePasswordAfterExpirationInDays = 4
)

// Provisioner bootstraps tenants. Provision is idempotent: once a tenant
// carries a signing key and a fixed salt, further calls become admin-password
// resets.
type Provisioner struct {
	store       Store
	keyring     *Keyring
	permissions *PermissionModel
	hasher      *PasswordHasher
	notifier    Notifier
	now         func() time.Time

	passwordExpiresInDays                     int
	timeToChangePasswordAfterExpirationInDays int

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// ProvisionerOption configures Provisioner behavior.
type ProvisionerOption func(*Provisioner)

// WithPasswordPolicy overrides the expiration windows written into fresh
// tenant records.
func WithPasswordPolicy(expiresInDays, changeWindowDays int) ProvisionerOption {
	return func(p *Provisioner) {
		if expiresInDays > 0 {
			p.passwordExpiresInDays = expiresInDays
		}
		if changeWindowDays > 0 {
			p.timeToChangePasswordAfterExpirationInDays = changeWindowDays
		}
	}
}

// WithProvisionerClock overrides the time source (useful for tests).
func WithProvisionerClock(fn func() time.Time) ProvisionerOption {
	return func(p *Provisioner) {
		if fn != nil {
			p.now = fn
		}
	}
}

// WithProvisionerNotifier attaches a domain notification sink.
func WithProvisionerNotifier(n Notifier) ProvisionerOption {
	return func(p *Provisioner) { p.notifier = n }
}

// NewProvisioner constructs a Provisioner.
func NewProvisioner(store Store, keyring *Keyring, permissions *PermissionModel, hasher *PasswordHasher, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		store:       store,
		keyring:     keyring,
		permissions: permissions,
		hasher:      hasher,
		now:         time.Now,
		passwordExpiresInDays:                     DefaultPasswordExpiresInDays,
		timeToChangePasswordAfterExpirationInDays: DefaultTimeToChangePasswordAfterExpirationInDays,
		tenantLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision bootstraps the tenant, or resets the admin password when the
// tenant is already provisioned. At most one provisioning operation runs per
// tenant at a time; different tenants proceed in parallel.
//
// Fresh provisioning writes durable structural state (signing key, groups,
// role, admin user) before the tenant's fixed-salt marker, so a crashed
// partial run is retried as fresh provisioning rather than misclassified as
// already provisioned.
func (p *Provisioner) Provision(ctx context.Context, tenant, initialPassword string) (ApplicationSignatureSet, error) {
	if tenant == "" {
		return ApplicationSignatureSet{}, fmt.Errorf("%w: tenant identifier is required", ErrBadRequest)
	}
	if initialPassword == "" {
		return ApplicationSignatureSet{}, fmt.Errorf("%w: initial password is required", ErrBadRequest)
	}

	lock := p.lockFor(tenant)
	lock.Lock()
	defer lock.Unlock()

	active, err := p.keyring.ActiveKey(ctx, tenant)
	switch {
	case err == nil:
		record, terr := p.store.Tenants().Get(ctx, tenant)
		if terr == nil && len(record.FixedSalt) > 0 {
			return p.resetAdminPassword(ctx, tenant, record, active, initialPassword)
		}
		if terr != nil && !errors.Is(terr, ErrNotFound) {
			return ApplicationSignatureSet{}, fmt.Errorf("%w: load tenant record: %v", ErrInternal, terr)
		}
		// A key without a fixed salt is a crashed partial run; fall through
		// and provision from scratch.
	case errors.Is(err, ErrNotProvisioned):
	default:
		return ApplicationSignatureSet{}, err
	}

	return p.provisionFresh(ctx, tenant, initialPassword)
}

func (p *Provisioner) resetAdminPassword(ctx context.Context, tenant string, record *Tenant, active *SigningKey, initialPassword string) (ApplicationSignatureSet, error) {
	now := p.now().UTC()
	admin, err := p.buildAdminUser(tenant, record.FixedSalt, initialPassword, record.TimeToChangePasswordAfterExpirationInDays, now)
	if err != nil {
		return ApplicationSignatureSet{}, err
	}
	if err := p.store.Users().Upsert(ctx, tenant, admin); err != nil {
		return ApplicationSignatureSet{}, fmt.Errorf("%w: rewrite admin credential: %v", ErrInternal, err)
	}
	notify(p.notifier, newNotification(tenant, OperationPasswordChanged, AdminIdentifier, now))
	return SignatureSet(active)
}

func (p *Provisioner) provisionFresh(ctx context.Context, tenant, initialPassword string) (ApplicationSignatureSet, error) {
	now := p.now().UTC()

	key, err := p.keyring.GenerateAndStore(ctx, tenant)
	if err != nil {
		return ApplicationSignatureSet{}, err
	}

	fixedSalt, err := NewFixedSalt()
	if err != nil {
		return ApplicationSignatureSet{}, err
	}

	groups := []struct {
		identifier string
		paths      []string
	}{
		{PermittableGroupRoleManagement, []string{"/roles", "/roles/*", "/permittablegroups", "/permittablegroups/*", "/signatures", "/signatures/*"}},
		{PermittableGroupIdentityManagement, []string{"/users", "/users/*"}},
		{PermittableGroupSelfManagement, []string{"/users/{identifier}/password", "/pushtokens", "/pushtokens/*", "/applications/*/permissions/*/users/*/enabled"}},
		{PermittableGroupApplicationSelfManagement, []string{"/applications/*/permissions"}},
	}
	grants := make([]PermissionGrant, 0, len(groups))
	for _, g := range groups {
		if _, err := p.permissions.DefinePermittableGroup(ctx, tenant, g.identifier, g.paths...); err != nil {
			return ApplicationSignatureSet{}, err
		}
		grants = append(grants, PermissionGrant{
			PermittableGroupIdentifier: g.identifier,
			AllowedOperations:          AllOperations(),
		})
	}

	if _, err := p.permissions.DefineRole(ctx, tenant, AdminRoleIdentifier, grants...); err != nil {
		return ApplicationSignatureSet{}, err
	}

	admin, err := p.buildAdminUser(tenant, fixedSalt, initialPassword, p.timeToChangePasswordAfterExpirationInDays, now)
	if err != nil {
		return ApplicationSignatureSet{}, err
	}
	if err := p.store.Users().Upsert(ctx, tenant, admin); err != nil {
		return ApplicationSignatureSet{}, fmt.Errorf("%w: store admin user: %v", ErrInternal, err)
	}

	// The fixed-salt marker goes last; everything above is safely re-runnable.
	record := &Tenant{
		Identifier:            tenant,
		FixedSalt:             fixedSalt,
		PasswordExpiresInDays: p.passwordExpiresInDays,
		TimeToChangePasswordAfterExpirationInDays: p.timeToChangePasswordAfterExpirationInDays,
		CreatedAt: now,
	}
	if err := p.store.Tenants().Put(ctx, record); err != nil {
		return ApplicationSignatureSet{}, fmt.Errorf("%w: store tenant record: %v", ErrInternal, err)
	}

	notify(p.notifier, newNotification(tenant, OperationTenantProvisioned, tenant, now))
	return SignatureSet(key)
}

// buildAdminUser rebuilds the admin credential record. Admin credentials are
// always treated as forced changes: the initial password is caller-supplied,
// not self-chosen.
func (p *Provisioner) buildAdminUser(tenant string, fixedSalt []byte, password string, changeWindowDays int, now time.Time) (*User, error) {
	hash, salt, iterations, err := p.hasher.Hash(password, fixedSalt)
	if err != nil {
		return nil, err
	}
	if changeWindowDays <= 0 {
		changeWindowDays = p.timeToChangePasswordAfterExpirationInDays
	}
	return &User{
		ID:                uuid.NewString(),
		Identifier:        AdminIdentifier,
		Role:              AdminRoleIdentifier,
		PasswordHash:      hash,
		Salt:              salt,
		IterationCount:    iterations,
		PasswordExpiresOn: now.AddDate(0, 0, changeWindowDays),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (p *Provisioner) lockFor(tenant string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.tenantLocks[tenant]
	if !ok {
		lock = &sync.Mutex{}
		p.tenantLocks[tenant] = lock
	}
	return lock
}

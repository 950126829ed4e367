package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserService handles user lifecycle commands: creation, role changes and
// password changes. Successful mutations emit domain notifications.
type UserService struct {
	store    Store
	hasher   *PasswordHasher
	notifier Notifier
	now      func() time.Time
}

// UserServiceOption configures UserService behavior.
type UserServiceOption func(*UserService)

// WithUserNotifier attaches a domain notification sink.
func WithUserNotifier(n Notifier) UserServiceOption {
	return func(u *UserService) { u.notifier = n }
}

// WithUserClock overrides the time source (useful for tests).
func WithUserClock(fn func() time.Time) UserServiceOption {
	return func(u *UserService) {
		if fn != nil {
			u.now = fn
		}
	}
}

// NewUserService constructs a UserService.
func NewUserService(store Store, hasher *PasswordHasher, opts ...UserServiceOption) *UserService {
	u := &UserService{store: store, hasher: hasher, now: time.Now}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// CreateUser creates a credential record with a password set by the actor.
// The expiration window depends on whether the actor is creating their own
// account; account creation by an administrator gets the short forced-change
// window.
func (u *UserService) CreateUser(ctx context.Context, tenant, actor, identifier, role, password string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if err := validateNewUser(identifier, role); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrBadRequest)
	}

	if _, err := u.store.Roles().Get(ctx, tenant, role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: role %q", ErrNotFound, role)
		}
		return nil, fmt.Errorf("%w: load role: %v", ErrInternal, err)
	}
	if _, err := u.store.Users().Get(ctx, tenant, identifier); err == nil {
		return nil, fmt.Errorf("%w: user %q already exists", ErrConflict, identifier)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}

	record, err := u.tenantRecord(ctx, tenant)
	if err != nil {
		return nil, err
	}

	kind := AdministratorForced
	if actor == identifier {
		kind = SelfService
	}

	now := u.now().UTC()
	hash, salt, iterations, err := u.hasher.Hash(password, record.FixedSalt)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:                uuid.NewString(),
		Identifier:        identifier,
		Role:              role,
		PasswordHash:      hash,
		Salt:              salt,
		IterationCount:    iterations,
		PasswordExpiresOn: PasswordExpiry(now, kind, record),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := u.store.Users().Upsert(ctx, tenant, user); err != nil {
		return nil, fmt.Errorf("%w: store user: %v", ErrInternal, err)
	}
	notify(u.notifier, newNotification(tenant, OperationUserCreated, identifier, now))
	return user, nil
}

// CreateFederatedUser creates a passwordless record for an account asserted
// by an external identity provider. Such accounts never authenticate through
// the password branch.
func (u *UserService) CreateFederatedUser(ctx context.Context, tenant, identifier, role string) (*User, error) {
	identifier = strings.TrimSpace(identifier)
	if err := validateNewUser(identifier, role); err != nil {
		return nil, err
	}
	if _, err := u.store.Roles().Get(ctx, tenant, role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: role %q", ErrNotFound, role)
		}
		return nil, fmt.Errorf("%w: load role: %v", ErrInternal, err)
	}
	if _, err := u.store.Users().Get(ctx, tenant, identifier); err == nil {
		return nil, fmt.Errorf("%w: user %q already exists", ErrConflict, identifier)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}

	now := u.now().UTC()
	user := &User{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Role:       role,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := u.store.Users().Upsert(ctx, tenant, user); err != nil {
		return nil, fmt.Errorf("%w: store user: %v", ErrInternal, err)
	}
	notify(u.notifier, newNotification(tenant, OperationUserCreated, identifier, now))
	return user, nil
}

// ChangeUserRole rewrites the role reference on an existing user.
func (u *UserService) ChangeUserRole(ctx context.Context, tenant, identifier, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return fmt.Errorf("%w: role is required", ErrBadRequest)
	}
	user, err := u.store.Users().Get(ctx, tenant, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %q", ErrNotFound, identifier)
		}
		return fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}
	if _, err := u.store.Roles().Get(ctx, tenant, role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: role %q", ErrNotFound, role)
		}
		return fmt.Errorf("%w: load role: %v", ErrInternal, err)
	}

	now := u.now().UTC()
	user.Role = role
	user.UpdatedAt = now
	if err := u.store.Users().Upsert(ctx, tenant, user); err != nil {
		return fmt.Errorf("%w: store user: %v", ErrInternal, err)
	}
	notify(u.notifier, newNotification(tenant, OperationRoleChanged, identifier, now))
	return nil
}

// ChangeUserPassword rewrites the password material on an existing user. The
// change kind is passed explicitly rather than inferred from ambient security
// context, so the expiration policy stays testable in isolation.
func (u *UserService) ChangeUserPassword(ctx context.Context, tenant, identifier, password string, kind PasswordChangeKind) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrBadRequest)
	}
	user, err := u.store.Users().Get(ctx, tenant, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: user %q", ErrNotFound, identifier)
		}
		return fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}
	record, err := u.tenantRecord(ctx, tenant)
	if err != nil {
		return err
	}

	now := u.now().UTC()
	hash, salt, iterations, err := u.hasher.Hash(password, record.FixedSalt)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.Salt = salt
	user.IterationCount = iterations
	user.PasswordExpiresOn = PasswordExpiry(now, kind, record)
	user.UpdatedAt = now
	if err := u.store.Users().Upsert(ctx, tenant, user); err != nil {
		return fmt.Errorf("%w: store user: %v", ErrInternal, err)
	}
	notify(u.notifier, newNotification(tenant, OperationPasswordChanged, identifier, now))
	return nil
}

// User loads a single user.
func (u *UserService) User(ctx context.Context, tenant, identifier string) (*User, error) {
	user, err := u.store.Users().Get(ctx, tenant, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: user %q", ErrNotFound, identifier)
		}
		return nil, fmt.Errorf("%w: load user: %v", ErrInternal, err)
	}
	return user, nil
}

// Users lists every user of the tenant.
func (u *UserService) Users(ctx context.Context, tenant string) ([]*User, error) {
	users, err := u.store.Users().All(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %v", ErrInternal, err)
	}
	return users, nil
}

// PasswordExpiry computes the expiration timestamp for a password written
// now. Self-service changes get the long window; administrator-forced
// changes get the short one.
func PasswordExpiry(now time.Time, kind PasswordChangeKind, record *Tenant) time.Time {
	days := record.PasswordExpiresInDays
	if kind == AdministratorForced {
		days = record.TimeToChangePasswordAfterExpirationInDays
	}
	return now.AddDate(0, 0, days)
}

func (u *UserService) tenantRecord(ctx context.Context, tenant string) (*Tenant, error) {
	record, err := u.store.Tenants().Get(ctx, tenant)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotProvisioned
		}
		return nil, fmt.Errorf("%w: load tenant record: %v", ErrInternal, err)
	}
	return record, nil
}

func validateNewUser(identifier, role string) error {
	if identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrBadRequest)
	}
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("%w: role is required", ErrBadRequest)
	}
	if IsReservedIdentifier(identifier) {
		return fmt.Errorf("%w: identifier %q is reserved", ErrBadRequest, identifier)
	}
	return nil
}

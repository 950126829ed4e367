package identity

import (
	"context"
	"sort"
	"sync"
)

// InMemory is a Store backed by maps, used by tests and the dev mode of the
// API binary. Values are copied on the way in and out so callers never share
// mutable state with the store; a concurrent login and password change each
// observe a consistent hash/salt/iteration triple.
type InMemory struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]map[string]*SigningKey
	users   map[string]map[string]*User
	groups  map[string]map[string]*PermittableGroup
	roles   map[string]map[string]*Role
	tokens  map[string]map[string]*PushToken
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]map[string]*SigningKey),
		users:   make(map[string]map[string]*User),
		groups:  make(map[string]map[string]*PermittableGroup),
		roles:   make(map[string]map[string]*Role),
		tokens:  make(map[string]map[string]*PushToken),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Tenants() TenantStore                     { return (*memTenants)(s) }
func (s *InMemory) Signatures() SignatureStore               { return (*memSignatures)(s) }
func (s *InMemory) Users() UserStore                         { return (*memUsers)(s) }
func (s *InMemory) PermittableGroups() PermittableGroupStore { return (*memGroups)(s) }
func (s *InMemory) Roles() RoleStore                         { return (*memRoles)(s) }
func (s *InMemory) PushTokens() PushTokenStore               { return (*memPushTokens)(s) }

// Tenants ------------------------------------------------------------------

type memTenants InMemory

func (s *memTenants) Put(ctx context.Context, tenant *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.Identifier] = copyTenant(tenant)
	return nil
}

func (s *memTenants) Get(ctx context.Context, identifier string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTenant(tenant), nil
}

// Signatures ---------------------------------------------------------------

type memSignatures InMemory

func (s *memSignatures) Add(ctx context.Context, tenant string, key *SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[tenant] == nil {
		s.keys[tenant] = make(map[string]*SigningKey)
	}
	if _, exists := s.keys[tenant][key.Timestamp]; exists {
		return ErrConflict
	}
	clone := *key
	s.keys[tenant][key.Timestamp] = &clone
	return nil
}

func (s *memSignatures) Get(ctx context.Context, tenant, timestamp string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[tenant][timestamp]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *key
	return &clone, nil
}

func (s *memSignatures) Timestamps(ctx context.Context, tenant string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for ts := range s.keys[tenant] {
		out = append(out, ts)
	}
	sort.Strings(out)
	return out, nil
}

// Users --------------------------------------------------------------------

type memUsers InMemory

func (s *memUsers) Upsert(ctx context.Context, tenant string, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[tenant] == nil {
		s.users[tenant] = make(map[string]*User)
	}
	s.users[tenant][user.Identifier] = copyUser(user)
	return nil
}

func (s *memUsers) Get(ctx context.Context, tenant, identifier string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[tenant][identifier]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(user), nil
}

func (s *memUsers) All(ctx context.Context, tenant string) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users[tenant]))
	for _, user := range s.users[tenant] {
		out = append(out, copyUser(user))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Permittable groups -------------------------------------------------------

type memGroups InMemory

func (s *memGroups) Put(ctx context.Context, tenant string, group *PermittableGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[tenant] == nil {
		s.groups[tenant] = make(map[string]*PermittableGroup)
	}
	clone := *group
	clone.Permittables = append([]Permittable(nil), group.Permittables...)
	s.groups[tenant][group.Identifier] = &clone
	return nil
}

func (s *memGroups) Get(ctx context.Context, tenant, identifier string) (*PermittableGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[tenant][identifier]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *group
	clone.Permittables = append([]Permittable(nil), group.Permittables...)
	return &clone, nil
}

func (s *memGroups) All(ctx context.Context, tenant string) ([]*PermittableGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PermittableGroup, 0, len(s.groups[tenant]))
	for _, group := range s.groups[tenant] {
		clone := *group
		clone.Permittables = append([]Permittable(nil), group.Permittables...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Roles --------------------------------------------------------------------

type memRoles InMemory

func (s *memRoles) Put(ctx context.Context, tenant string, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[tenant] == nil {
		s.roles[tenant] = make(map[string]*Role)
	}
	clone := *role
	clone.Grants = append([]PermissionGrant(nil), role.Grants...)
	s.roles[tenant][role.Identifier] = &clone
	return nil
}

func (s *memRoles) Get(ctx context.Context, tenant, identifier string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[tenant][identifier]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *role
	clone.Grants = append([]PermissionGrant(nil), role.Grants...)
	return &clone, nil
}

func (s *memRoles) All(ctx context.Context, tenant string) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles[tenant]))
	for _, role := range s.roles[tenant] {
		clone := *role
		clone.Grants = append([]PermissionGrant(nil), role.Grants...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Push tokens --------------------------------------------------------------

type memPushTokens InMemory

func (s *memPushTokens) Put(ctx context.Context, tenant string, token *PushToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[tenant] == nil {
		s.tokens[tenant] = make(map[string]*PushToken)
	}
	clone := *token
	s.tokens[tenant][token.DeviceToken] = &clone
	return nil
}

func (s *memPushTokens) ByUser(ctx context.Context, tenant, userIdentifier string) ([]*PushToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PushToken
	for _, token := range s.tokens[tenant] {
		if token.UserIdentifier == userIdentifier {
			clone := *token
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceToken < out[j].DeviceToken })
	return out, nil
}

func (s *memPushTokens) Delete(ctx context.Context, tenant, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tenant][deviceToken]; !ok {
		return ErrNotFound
	}
	delete(s.tokens[tenant], deviceToken)
	return nil
}

// copies -------------------------------------------------------------------

func copyTenant(t *Tenant) *Tenant {
	clone := *t
	clone.FixedSalt = append([]byte(nil), t.FixedSalt...)
	return &clone
}

func copyUser(u *User) *User {
	clone := *u
	clone.PasswordHash = append([]byte(nil), u.PasswordHash...)
	clone.Salt = append([]byte(nil), u.Salt...)
	return &clone
}

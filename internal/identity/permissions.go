package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Builtin permittable group identifiers created at provisioning time.
const (
	PermittableGroupRoleManagement            = "role_management"
	PermittableGroupIdentityManagement        = "identity_management"
	PermittableGroupSelfManagement            = "self_management"
	PermittableGroupApplicationSelfManagement = "application_self_management"
)

// PermissionModel defines permittable groups and roles. Groups and roles are
// append/overwrite only; there is no delete.
type PermissionModel struct {
	groups  PermittableGroupStore
	roles   RoleStore
	appName string
}

// NewPermissionModel constructs a PermissionModel. The application name is
// prefixed onto every permittable path so several services can share one
// permission namespace.
func NewPermissionModel(groups PermittableGroupStore, roles RoleStore, appName string) *PermissionModel {
	return &PermissionModel{groups: groups, roles: roles, appName: strings.Trim(appName, "/")}
}

// DefinePermittableGroup expands each path into one permittable per method,
// scoped by the application-name prefix, and stores them as one group.
// Redefining an identifier overwrites the group.
func (m *PermissionModel) DefinePermittableGroup(ctx context.Context, tenant, identifier string, paths ...string) (*PermittableGroup, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: group identifier is required", ErrBadRequest)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: at least one path is required", ErrBadRequest)
	}
	group := &PermittableGroup{Identifier: identifier}
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" || !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("%w: path %q must start with /", ErrBadRequest, path)
		}
		for _, method := range AllMethods() {
			group.Permittables = append(group.Permittables, Permittable{
				Path:   m.appName + path,
				Method: method,
			})
		}
	}
	if err := m.groups.Put(ctx, tenant, group); err != nil {
		return nil, fmt.Errorf("%w: store permittable group: %v", ErrInternal, err)
	}
	return group, nil
}

// DefineRole stores a role with the given grants. Redefining an identifier
// overwrites the role.
func (m *PermissionModel) DefineRole(ctx context.Context, tenant, identifier string, grants ...PermissionGrant) (*Role, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: role identifier is required", ErrBadRequest)
	}
	for _, grant := range grants {
		if strings.TrimSpace(grant.PermittableGroupIdentifier) == "" {
			return nil, fmt.Errorf("%w: grant requires a permittable group identifier", ErrBadRequest)
		}
	}
	role := &Role{Identifier: identifier, Grants: grants}
	if err := m.roles.Put(ctx, tenant, role); err != nil {
		return nil, fmt.Errorf("%w: store role: %v", ErrInternal, err)
	}
	return role, nil
}

// Role loads a role by identifier.
func (m *PermissionModel) Role(ctx context.Context, tenant, identifier string) (*Role, error) {
	role, err := m.roles.Get(ctx, tenant, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: role %q", ErrNotFound, identifier)
		}
		return nil, fmt.Errorf("%w: load role: %v", ErrInternal, err)
	}
	return role, nil
}

// RoleAllows reports whether the role grants the method on the path. The
// caller identifier resolves {placeholder} segments in self-service patterns:
// such a segment matches only the caller's own identifier.
func (m *PermissionModel) RoleAllows(ctx context.Context, tenant, roleIdentifier string, method Method, path, caller string) (bool, error) {
	role, err := m.Role(ctx, tenant, roleIdentifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	target := m.appName + "/" + strings.Trim(path, "/")
	for _, grant := range role.Grants {
		if !grant.AllowedOperations.Allows(method) {
			continue
		}
		group, err := m.groups.Get(ctx, tenant, grant.PermittableGroupIdentifier)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, fmt.Errorf("%w: load permittable group: %v", ErrInternal, err)
		}
		for _, permittable := range group.Permittables {
			if permittable.Method != method {
				continue
			}
			if matchPath(permittable.Path, target, caller) {
				return true, nil
			}
		}
	}
	return false, nil
}

// matchPath compares a permittable pattern against a request path, segment by
// segment. "*" in a trailing position matches one or more remaining segments,
// elsewhere exactly one; "{...}" placeholders match only the caller's own
// identifier.
func matchPath(pattern, path, caller string) bool {
	patternSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")

	for i, seg := range patternSegs {
		if i >= len(pathSegs) {
			return false
		}
		switch {
		case seg == "*":
			if i == len(patternSegs)-1 {
				return true
			}
			continue
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			if caller == "" || pathSegs[i] != caller {
				return false
			}
		case seg != pathSegs[i]:
			return false
		}
	}
	return len(patternSegs) == len(pathSegs)
}

package rbac

import (
	"context"
	"strings"
	"sync"

	"github.com/ryanuber/go-glob"

	"microkernel/pkg/auth"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// DefaultRoles are the roles the admin API understands out of the box.
func DefaultRoles() []*auth.Role {
	return []*auth.Role{
		{
			Name:        RoleViewer,
			Permissions: []string{"plugins:read", "config:read"},
			Description: "Inspect plugins and configuration",
		},
		{
			Name:        RoleOperator,
			Permissions: []string{"plugins:*", "config:read", "config:write"},
			Description: "Reload and remove plugins, change configuration",
		},
		{
			Name:        RoleAdmin,
			Permissions: []string{"*:*"},
			Description: "Everything",
		},
	}
}

type RBACAuthorizer struct {
	roles map[string]*auth.Role
	mu    sync.RWMutex
}

func NewRBACAuthorizer(roles ...*auth.Role) *RBACAuthorizer {
	r := &RBACAuthorizer{
		roles: make(map[string]*auth.Role),
	}
	for _, role := range roles {
		r.AddRole(role)
	}
	return r
}

func (r *RBACAuthorizer) AddRole(role *auth.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.roles[role.Name] = role
}

func (r *RBACAuthorizer) RemoveRole(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.roles, name)
}

// Authorize allows the action when any of the caller's known roles grants a
// matching permission. Unknown roles are ignored.
func (r *RBACAuthorizer) Authorize(ctx context.Context, authCtx *auth.AuthContext, resource string, action string) (bool, error) {
	if authCtx == nil {
		return false, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, roleName := range authCtx.Roles {
		role, exists := r.roles[roleName]
		if !exists {
			continue
		}
		for _, perm := range role.Permissions {
			if matchesPermission(perm, resource, action) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Permissions lists what the caller's roles grant, without duplicates.
func (r *RBACAuthorizer) Permissions(authCtx *auth.AuthContext) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var permissions []string
	seen := make(map[string]bool)
	for _, roleName := range authCtx.Roles {
		role, exists := r.roles[roleName]
		if !exists {
			continue
		}
		for _, perm := range role.Permissions {
			if !seen[perm] {
				permissions = append(permissions, perm)
				seen[perm] = true
			}
		}
	}
	return permissions
}

func matchesPermission(perm, resource, action string) bool {
	permResource, permAction, ok := strings.Cut(perm, ":")
	if !ok {
		return false
	}
	return glob.Glob(permResource, resource) && glob.Glob(permAction, action)
}

package auth

import (
	"fmt"
	"sync"
)

// RBAC is the in-memory role/permission registry consulted on every
// authenticated request. It is a policy cache, not the source of truth
// for driver accounts (that's the drivers table): successful logins
// re-sync the driver into it via UpsertUser.
type RBAC struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	users       map[string]*User
	permissions map[string]Permission
}

// Role names a set of permissions, optionally inheriting from others.
type Role struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	Inherits    []string `json:"inherits,omitempty"`
}

// User is an authenticated principal: a driver account or an operator.
type User struct {
	ID          string            `json:"id"`
	Username    string            `json:"username"`
	Email       string            `json:"email,omitempty"`
	Roles       []string          `json:"roles"`
	Permissions []string          `json:"permissions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Active      bool              `json:"active"`
}

// Permission is one grantable action on a resource.
type Permission struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
}

// NewRBAC returns a registry pre-seeded with the built-in permission
// catalog and the admin/operator/driver/readonly role hierarchy.
func NewRBAC() *RBAC {
	r := &RBAC{
		roles:       make(map[string]*Role),
		users:       make(map[string]*User),
		permissions: make(map[string]Permission),
	}

	for _, p := range []Permission{
		{Name: PermissionTaskSubmit, Description: "Submit tasks", Resource: "task", Action: "submit"},
		{Name: PermissionTaskRead, Description: "Read task status", Resource: "task", Action: "read"},
		{Name: PermissionClusterManage, Description: "Manage cluster", Resource: "cluster", Action: "manage"},
		{Name: PermissionClusterRead, Description: "Read cluster information", Resource: "cluster", Action: "read"},
		{Name: PermissionNodeManage, Description: "Manage nodes", Resource: "node", Action: "manage"},
		{Name: PermissionNodeRead, Description: "Read node information", Resource: "node", Action: "read"},
		{Name: PermissionMetricsRead, Description: "Read metrics", Resource: "metrics", Action: "read"},
		{Name: PermissionSystemManage, Description: "Manage system", Resource: "system", Action: "manage"},
	} {
		r.permissions[p.Name] = p
	}

	for name, description := range map[string]string{
		RoleAdmin:    "Full system administrator",
		RoleOperator: "System operator with limited management access",
		RoleDriver:   "Driver client that submits and tracks its own tasks",
		RoleReadonly: "Read-only access to system information",
	} {
		r.roles[name] = &Role{
			Name:        name,
			Description: description,
			Permissions: GetRolePermissions(name),
		}
	}
	return r
}

// CreateRole registers a new role. Every permission it names must
// already exist in the catalog.
func (r *RBAC) CreateRole(role *Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[role.Name]; exists {
		return fmt.Errorf("role %s already exists", role.Name)
	}
	for _, p := range role.Permissions {
		if _, ok := r.permissions[p]; !ok {
			return fmt.Errorf("permission %s does not exist", p)
		}
	}
	r.roles[role.Name] = role
	return nil
}

// GetRole retrieves a role by name.
func (r *RBAC) GetRole(name string) (*Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	role, ok := r.roles[name]
	if !ok {
		return nil, fmt.Errorf("role %s not found", name)
	}
	return role, nil
}

func (r *RBAC) validateUserLocked(user *User) error {
	for _, name := range user.Roles {
		if _, ok := r.roles[name]; !ok {
			return fmt.Errorf("role %s does not exist", name)
		}
	}
	for _, p := range user.Permissions {
		if _, ok := r.permissions[p]; !ok {
			return fmt.Errorf("permission %s does not exist", p)
		}
	}
	return nil
}

// CreateUser registers a new user; it fails if the ID is taken.
func (r *RBAC) CreateUser(user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	if err := r.validateUserLocked(user); err != nil {
		return err
	}
	r.users[user.ID] = user
	return nil
}

// UpsertUser creates or replaces a user entry, re-syncing an
// authenticated driver's roles from the account store.
func (r *RBAC) UpsertUser(user *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateUserLocked(user); err != nil {
		return err
	}
	r.users[user.ID] = user
	return nil
}

// GetUser retrieves a user by ID.
func (r *RBAC) GetUser(userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	return user, nil
}

// HasPermission reports whether the user holds the permission either
// directly or through any of its roles, following role inheritance.
func (r *RBAC) HasPermission(userID, permission string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s not found", userID)
	}
	if !user.Active {
		return false, fmt.Errorf("user %s is not active", userID)
	}

	for _, p := range user.Permissions {
		if p == permission {
			return true, nil
		}
	}

	// Walk the role graph iteratively; seen guards against
	// inheritance cycles introduced by misconfigured custom roles.
	pending := append([]string(nil), user.Roles...)
	seen := make(map[string]bool, len(pending))
	for len(pending) > 0 {
		name := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if seen[name] {
			continue
		}
		seen[name] = true

		role, ok := r.roles[name]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if p == permission {
				return true, nil
			}
		}
		pending = append(pending, role.Inherits...)
	}
	return false, nil
}

// AssignRole adds a role to a user; assigning a role the user already
// holds is a no-op.
func (r *RBAC) AssignRole(userID, roleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	if _, ok := r.roles[roleName]; !ok {
		return fmt.Errorf("role %s not found", roleName)
	}
	for _, existing := range user.Roles {
		if existing == roleName {
			return nil
		}
	}
	user.Roles = append(user.Roles, roleName)
	return nil
}

// RevokeRole removes a role from a user.
func (r *RBAC) RevokeRole(userID, roleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	for i, existing := range user.Roles {
		if existing == roleName {
			user.Roles = append(user.Roles[:i], user.Roles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s does not have role %s", userID, roleName)
}

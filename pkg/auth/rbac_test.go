package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRolesSeeded(t *testing.T) {
	r := NewRBAC()
	for _, name := range []string{RoleAdmin, RoleOperator, RoleDriver, RoleReadonly} {
		role, err := r.GetRole(name)
		require.NoError(t, err, "role %s must exist", name)
		assert.NotEmpty(t, role.Permissions)
	}
}

func TestHasPermissionThroughRole(t *testing.T) {
	r := NewRBAC()
	require.NoError(t, r.CreateUser(&User{
		ID:       "d1",
		Username: "alice",
		Roles:    []string{RoleDriver},
		Active:   true,
	}))

	ok, err := r.HasPermission("d1", PermissionTaskSubmit)
	require.NoError(t, err)
	assert.True(t, ok, "driver role must grant task:submit")

	ok, err = r.HasPermission("d1", PermissionClusterManage)
	require.NoError(t, err)
	assert.False(t, ok, "driver role must not grant cluster:manage")
}

func TestInactiveUserDeniedAllPermissions(t *testing.T) {
	r := NewRBAC()
	require.NoError(t, r.CreateUser(&User{
		ID:       "d2",
		Username: "bob",
		Roles:    []string{RoleAdmin},
		Active:   false,
	}))

	_, err := r.HasPermission("d2", PermissionTaskRead)
	assert.Error(t, err)
}

func TestUpsertUserReplacesExisting(t *testing.T) {
	r := NewRBAC()
	require.NoError(t, r.UpsertUser(&User{
		ID: "d3", Username: "carol", Roles: []string{RoleReadonly}, Active: true,
	}))
	require.NoError(t, r.UpsertUser(&User{
		ID: "d3", Username: "carol", Roles: []string{RoleDriver}, Active: true,
	}))

	ok, err := r.HasPermission("d3", PermissionTaskSubmit)
	require.NoError(t, err)
	assert.True(t, ok, "upsert must replace the previous role set")
}

func TestUpsertUserRejectsUnknownRole(t *testing.T) {
	r := NewRBAC()
	err := r.UpsertUser(&User{ID: "d4", Username: "dave", Roles: []string{"nonexistent"}})
	assert.Error(t, err)
}

func TestAssignAndRevokeRole(t *testing.T) {
	r := NewRBAC()
	require.NoError(t, r.CreateUser(&User{
		ID: "d5", Username: "erin", Roles: []string{RoleReadonly}, Active: true,
	}))

	require.NoError(t, r.AssignRole("d5", RoleOperator))
	ok, err := r.HasPermission("d5", PermissionNodeManage)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.RevokeRole("d5", RoleOperator))
	ok, err = r.HasPermission("d5", PermissionNodeManage)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInheritedPermissions(t *testing.T) {
	r := NewRBAC()
	require.NoError(t, r.CreateRole(&Role{
		Name:     "lead-driver",
		Inherits: []string{RoleDriver},
	}))
	require.NoError(t, r.CreateUser(&User{
		ID: "d6", Username: "frank", Roles: []string{"lead-driver"}, Active: true,
	}))

	ok, err := r.HasPermission("d6", PermissionTaskSubmit)
	require.NoError(t, err)
	assert.True(t, ok, "inherited role permissions must apply")
}

package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microkernel/pkg/auth"
)

func TestRBACAuthorizer_DefaultRoles(t *testing.T) {
	authorizer := NewRBACAuthorizer(DefaultRoles()...)
	ctx := context.Background()

	tests := []struct {
		roles    []string
		resource string
		action   string
		allowed  bool
	}{
		{[]string{RoleViewer}, "plugins", "read", true},
		{[]string{RoleViewer}, "plugins", "reload", false},
		{[]string{RoleViewer}, "config", "write", false},
		{[]string{RoleOperator}, "plugins", "reload", true},
		{[]string{RoleOperator}, "plugins", "delete", true},
		{[]string{RoleOperator}, "config", "write", true},
		{[]string{RoleOperator}, "secrets", "read", false},
		{[]string{RoleAdmin}, "secrets", "read", true},
		{[]string{"ghost"}, "plugins", "read", false},
		{[]string{"ghost", RoleViewer}, "plugins", "read", true},
		{nil, "plugins", "read", false},
	}
	for _, tt := range tests {
		allowed, err := authorizer.Authorize(ctx, &auth.AuthContext{Subject: "u", Roles: tt.roles},
			tt.resource, tt.action)
		require.NoError(t, err)
		assert.Equal(t, tt.allowed, allowed, "%v %s:%s", tt.roles, tt.resource, tt.action)
	}

	allowed, err := authorizer.Authorize(ctx, nil, "plugins", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRBACAuthorizer_CustomRoles(t *testing.T) {
	authorizer := NewRBACAuthorizer()
	authorizer.AddRole(&auth.Role{Name: "reloader", Permissions: []string{"plugins:re*", "broken"}})
	caller := &auth.AuthContext{Subject: "ci", Roles: []string{"reloader"}}

	allowed, _ := authorizer.Authorize(context.Background(), caller, "plugins", "reload")
	assert.True(t, allowed)
	allowed, _ = authorizer.Authorize(context.Background(), caller, "plugins", "delete")
	assert.False(t, allowed)
	assert.Equal(t, []string{"plugins:re*", "broken"}, authorizer.Permissions(caller))

	authorizer.RemoveRole("reloader")
	allowed, _ = authorizer.Authorize(context.Background(), caller, "plugins", "reload")
	assert.False(t, allowed)
}

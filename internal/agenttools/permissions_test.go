package agenttools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAgentIsContributor(t *testing.T) {
	p := NewPermissions()

	assert.Equal(t, RoleContributor, p.Role("ghagent"))
	assert.True(t, p.HasPermission("ghagent", PermCreateBranch))
	assert.False(t, p.HasPermission("ghagent", PermMergePR))
}

func TestUnknownAgentDefaultsToReader(t *testing.T) {
	p := NewPermissions()

	assert.Equal(t, RoleReader, p.Role("stranger"))
	assert.True(t, p.HasPermission("stranger", PermGetIssue))
	assert.False(t, p.HasPermission("stranger", PermUpdateFile))
}

func TestMaintainerPermissions(t *testing.T) {
	p := NewPermissions()
	require.NoError(t, p.SetRole("releasebot", RoleMaintainer))

	for _, perm := range []Permission{
		PermMergePR, PermCreateIssue, PermAddLabel, PermCreatePR,
	} {
		assert.True(t, p.HasPermission("releasebot", perm), string(perm))
	}
}

func TestSetRoleRejectsUnknownRole(t *testing.T) {
	p := NewPermissions()

	require.Error(t, p.SetRole("x", Role("superuser")))
}

func TestCheckReturnsPermissionError(t *testing.T) {
	p := NewPermissions()

	err := p.Check("stranger", PermCreatePR)
	require.Error(t, err)

	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, "stranger", permErr.AgentID)
	assert.Equal(t, RoleReader, permErr.Role)
	assert.Equal(t, PermCreatePR, permErr.Permission)

	require.NoError(t, p.Check("ghagent", PermCreatePR))
}

func TestLoadRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[roles]
ghagent = "maintainer"
audit-bot = "reader"
`), 0o600))

	p := NewPermissions()
	require.NoError(t, p.LoadRoles(path))

	assert.Equal(t, RoleMaintainer, p.Role("ghagent"))
	assert.Equal(t, RoleReader, p.Role("audit-bot"))
	// assignments not in the file are dropped
	assert.Equal(t, RoleReader, p.Role("anyone-else"))
}

func TestLoadRolesRejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[roles]
ghagent = "overlord"
`), 0o600))

	p := NewPermissions()
	require.Error(t, p.LoadRoles(path))
	// the previous assignments stay intact
	assert.Equal(t, RoleContributor, p.Role("ghagent"))
}

func TestLoadRolesMissingFile(t *testing.T) {
	p := NewPermissions()

	require.Error(t, p.LoadRoles(filepath.Join(t.TempDir(), "does-not-exist.toml")))
}

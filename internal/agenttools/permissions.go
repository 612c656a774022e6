// Package agenttools provides the table of GitHub tools that agents can
// invoke, enforces per-agent permissions and serves the tools via HTTP.
package agenttools

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml"
)

// Permission names a single GitHub operation an agent may be allowed to
// perform.
type Permission string

const (
	PermReadFile     Permission = "read_file"
	PermListFiles    Permission = "list_files"
	PermGetIssue     Permission = "get_issue"
	PermCreateBranch Permission = "create_branch"
	PermUpdateFile   Permission = "update_file"
	PermCreatePR     Permission = "create_pull_request"
	PermMergePR      Permission = "merge_pull_request"
	PermCreateIssue  Permission = "create_issue"
	PermAddLabel     Permission = "add_label"
)

// Role is a named set of permissions.
type Role string

const (
	RoleReader      Role = "reader"
	RoleContributor Role = "contributor"
	RoleMaintainer  Role = "maintainer"
	RoleAdmin       Role = "admin"
)

// defaultRole is assumed for agents without an explicit role assignment.
const defaultRole = RoleReader

var rolePermissions = map[Role][]Permission{
	RoleReader: {
		PermReadFile,
		PermListFiles,
		PermGetIssue,
	},
	RoleContributor: {
		PermReadFile,
		PermListFiles,
		PermGetIssue,
		PermCreateBranch,
		PermUpdateFile,
		PermCreatePR,
	},
	RoleMaintainer: {
		PermReadFile,
		PermListFiles,
		PermGetIssue,
		PermCreateBranch,
		PermUpdateFile,
		PermCreatePR,
		PermMergePR,
		PermCreateIssue,
		PermAddLabel,
	},
	RoleAdmin: {
		PermReadFile,
		PermListFiles,
		PermGetIssue,
		PermCreateBranch,
		PermUpdateFile,
		PermCreatePR,
		PermMergePR,
		PermCreateIssue,
		PermAddLabel,
	},
}

// PermissionError is returned when an agent invokes a tool its role does not
// permit.
type PermissionError struct {
	AgentID    string
	Role       Role
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf(
		"agent %q with role %q does not have permission %q",
		e.AgentID, e.Role, e.Permission,
	)
}

// Permissions maps agent ids to roles and answers permission checks.
type Permissions struct {
	mu         sync.RWMutex
	agentRoles map[string]Role
}

// NewPermissions returns a permission table with the default agent assigned
// the contributor role.
// All other agents default to the reader role.
func NewPermissions() *Permissions {
	return &Permissions{
		agentRoles: map[string]Role{
			"ghagent": RoleContributor,
		},
	}
}

// roleFileContent is the layout of the optional TOML role assignment file.
type roleFileContent struct {
	Roles map[string]string `toml:"roles"`
}

// LoadRoles replaces role assignments with the ones from the TOML file at
// path.
// Agents not listed in the file keep the default reader role.
func (p *Permissions) LoadRoles(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading role file failed: %w", err)
	}

	var content roleFileContent
	if err := toml.Unmarshal(data, &content); err != nil {
		return fmt.Errorf("parsing role file %q failed: %w", path, err)
	}

	roles := make(map[string]Role, len(content.Roles))
	for agentID, roleName := range content.Roles {
		role := Role(roleName)
		if _, exist := rolePermissions[role]; !exist {
			return fmt.Errorf("role file %q assigns unknown role %q to agent %q", path, roleName, agentID)
		}

		roles[agentID] = role
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.agentRoles = roles

	return nil
}

// SetRole assigns a role to an agent.
func (p *Permissions) SetRole(agentID string, role Role) error {
	if _, exist := rolePermissions[role]; !exist {
		return fmt.Errorf("unknown role: %q", role)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.agentRoles[agentID] = role

	return nil
}

// Role returns the role of the agent, agents without an assignment have the
// reader role.
func (p *Permissions) Role(agentID string) Role {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if role, exist := p.agentRoles[agentID]; exist {
		return role
	}

	return defaultRole
}

// HasPermission returns true if the agent's role grants the permission.
func (p *Permissions) HasPermission(agentID string, perm Permission) bool {
	for _, granted := range rolePermissions[p.Role(agentID)] {
		if granted == perm {
			return true
		}
	}

	return false
}

// Check returns a *PermissionError if the agent's role does not grant the
// permission.
func (p *Permissions) Check(agentID string, perm Permission) error {
	if p.HasPermission(agentID, perm) {
		return nil
	}

	return &PermissionError{
		AgentID:    agentID,
		Role:       p.Role(agentID),
		Permission: perm,
	}
}

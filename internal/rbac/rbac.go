// Package rbac revalidates actor permissions at execution boundaries. The
// router checks before dispatch and workers check again at lease start,
// because permissions can be revoked while an item sits in the queue. Tenant
// isolation is checked before any permission: a cross-tenant actor is a
// tenant_mismatch, never a plain permission denial.
package rbac

import "github.com/marcus-qen/lictor/internal/plan"

// Role defines the built-in roles, lowest privilege first.
type Role string

const (
	// RoleViewer can read assets and execution state.
	RoleViewer Role = "viewer"

	// RoleOperator can run automation and decide non-provisioning approvals.
	RoleOperator Role = "operator"

	// RoleAdmin can do everything, including provisioning and its approvals.
	RoleAdmin Role = "admin"
)

// Permission names a specific capability a step or operation requires.
type Permission string

const (
	PermAssetRead         Permission = "asset:read"
	PermAutomationExecute Permission = "automation:execute"
	PermAutomationDeploy  Permission = "automation:deploy"
	PermApprove           Permission = "approvals:decide"
)

// PermissionForClass maps a step's action class to the permission an actor
// must hold to run it.
func PermissionForClass(class string) Permission {
	switch class {
	case plan.ActionInformation:
		return PermAssetRead
	case plan.ActionProvisioning:
		return PermAutomationDeploy
	default:
		return PermAutomationExecute
	}
}

// PermissionsForPlan returns the distinct permissions the plan's steps
// require, in first-seen order.
func PermissionsForPlan(p *plan.Plan) []Permission {
	seen := make(map[Permission]bool, 3)
	var perms []Permission
	for _, s := range p.Steps {
		perm := PermissionForClass(plan.StepActionClass(s))
		if !seen[perm] {
			seen[perm] = true
			perms = append(perms, perm)
		}
	}
	return perms
}

// RoleGrants reports whether a role carries a permission.
func RoleGrants(r Role, perm Permission) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleOperator:
		switch perm {
		case PermAssetRead, PermAutomationExecute, PermApprove:
			return true
		}
		return false
	case RoleViewer:
		return perm == PermAssetRead
	default:
		return false
	}
}

// roleRank returns a numeric rank for role comparison (higher = more privilege).
func roleRank(r Role) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// RoleAtLeast reports whether r meets or exceeds the required role.
func RoleAtLeast(r, required Role) bool {
	return roleRank(r) >= roleRank(required) && roleRank(r) > 0
}

package rbac

// Role constants
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleSystem = "system"
)

// Permission constants
const (
	PermCreateEscrow = "create_escrow"
	PermFund         = "fund"
	PermRelease      = "release"
	PermRefund       = "refund"
	PermExpire       = "expire"
	PermView         = "view"
)

// RolePermissions defines what each role can do. Buyers drive the whole
// lifecycle; sellers are read-only; expire belongs to the sweeper alone.
var RolePermissions = map[string][]string{
	RoleBuyer: {
		PermCreateEscrow, PermFund, PermRelease, PermRefund, PermView,
	},
	RoleSeller: {
		PermView,
	},
	RoleSystem: {
		PermExpire, PermView,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsValidRole reports whether role is one an external caller may present.
func IsValidRole(role string) bool {
	return role == RoleBuyer || role == RoleSeller
}

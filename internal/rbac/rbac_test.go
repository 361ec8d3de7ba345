package rbac

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role       string
		permission string
		expected   bool
	}{
		{RoleBuyer, PermCreateEscrow, true},
		{RoleBuyer, PermFund, true},
		{RoleBuyer, PermRelease, true},
		{RoleBuyer, PermRefund, true},
		{RoleBuyer, PermExpire, false},
		{RoleSeller, PermView, true},
		{RoleSeller, PermFund, false},
		{RoleSeller, PermRelease, false},
		{RoleSystem, PermExpire, true},
		{RoleSystem, PermFund, false},
		{"admin", PermView, false},
	}

	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.permission, func(t *testing.T) {
			if got := HasPermission(tt.role, tt.permission); got != tt.expected {
				t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.permission, got, tt.expected)
			}
		})
	}
}

func TestIsValidRole(t *testing.T) {
	for role, want := range map[string]bool{
		RoleBuyer:  true,
		RoleSeller: true,
		RoleSystem: false, // external callers may not present system
		"admin":    false,
		"":         false,
	} {
		if got := IsValidRole(role); got != want {
			t.Errorf("IsValidRole(%q) = %v, want %v", role, got, want)
		}
	}
}

package company

import "testing"

func TestMemberIsAdmin(t *testing.T) {
	cases := []struct {
		role UserRole
		want bool
	}{
		{RoleMember, false},
		{RoleAdmin, true},
		{RoleOwner, true},
	}
	for _, tc := range cases {
		m := Member{Role: tc.role}
		if got := m.IsAdmin(); got != tc.want {
			t.Errorf("IsAdmin(%s) = %v, want %v", tc.role, got, tc.want)
		}
	}
}

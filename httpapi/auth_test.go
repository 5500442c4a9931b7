package httpapi

import (
	"errors"
	"testing"
	"time"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	token, err := v.Issue("user-1", RoleOwner, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != RoleOwner {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenVerifier_Rejects(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	expired, err := v.Issue("user-1", RoleOwner, -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	foreign, err := NewTokenVerifier("other-secret").Issue("user-1", RoleOwner, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	badRole, err := v.Issue("user-1", Role("superuser"), time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	noUser, err := v.Issue("", RoleOwner, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"foreign secret", foreign},
		{"unknown role", badRole},
		{"missing user id", noUser},
		{"garbage", "not.a.jwt"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRoleCanManageLifecycle(t *testing.T) {
	cases := []struct {
		role Role
		want bool
	}{
		{RoleMember, false},
		{RoleAdmin, true},
		{RoleOwner, true},
		{RolePlatformAdmin, true},
		{Role("superuser"), false},
	}
	for _, tc := range cases {
		if got := tc.role.CanManageLifecycle(); got != tc.want {
			t.Errorf("CanManageLifecycle(%s) = %v, want %v", tc.role, got, tc.want)
		}
	}
}

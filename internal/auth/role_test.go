package auth

import (
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	cases := []struct {
		in   string
		want Role
	}{
		{"global-admin", RoleGlobalAdmin},
		{"station-admin", RoleStationAdmin},
		{"station-user", RoleStationUser},
		{"readonly", RoleReadonly},
		{"station-internal", RoleStationInternal},
		{"admin", RoleGlobalAdmin},
		{"sites-admin", RoleGlobalAdmin},
		{"  Admin  ", RoleGlobalAdmin},
		{"READONLY", RoleReadonly},
	}
	for _, c := range cases {
		got, err := ParseRole(c.in)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseRole(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseRoleRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "root", "superuser", "station"} {
		if _, err := ParseRole(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ParseRole(%q): want ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestRolePredicates(t *testing.T) {
	if !RoleGlobalAdmin.IsGlobalAdmin() || RoleStationAdmin.IsGlobalAdmin() {
		t.Fatal("IsGlobalAdmin wrong")
	}
	if !RoleStationAdmin.IsScoped() || RoleReadonly.IsScoped() {
		t.Fatal("IsScoped wrong")
	}
	if !RoleStationUser.CanWrite() || RoleReadonly.CanWrite() {
		t.Fatal("CanWrite wrong")
	}
	if RoleStationUser.CanDelete() || !RoleStationAdmin.CanDelete() {
		t.Fatal("CanDelete wrong")
	}
	if RoleStationUser.CanAdmin() || !RoleStationAdmin.CanAdmin() {
		t.Fatal("CanAdmin wrong")
	}
	if Role("ghost").Valid() {
		t.Fatal("unknown role reported valid")
	}
}

package statedb

import "testing"

func TestRoleCovers(t *testing.T) {
	cases := []struct {
		have, need Role
		want       bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleCustomer, true},
		{RoleAdmin, RolePublic, true},
		{RoleCustomer, RoleCustomer, true},
		{RoleCustomer, RoleAdmin, false},
		{RoleCustomer, RolePublic, true},
		{RolePublic, RolePublic, true},
		{RolePublic, RoleCustomer, false},
	}

	for _, c := range cases {
		if got := c.have.Covers(c.need); got != c.want {
			t.Errorf("%s.Covers(%s) = %v, want %v", c.have, c.need, got, c.want)
		}
	}
}

func TestNewPGIdentifierIsUniqueAndSafe(t *testing.T) {
	a, err := newPGIdentifier()
	if err != nil {
		t.Fatalf("newPGIdentifier() error: %v", err)
	}
	b, err := newPGIdentifier()
	if err != nil {
		t.Fatalf("newPGIdentifier() error: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct identifiers across calls")
	}
	for _, r := range a {
		isSafe := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		if !isSafe {
			t.Fatalf("identifier %q contains unsafe character %q", a, r)
		}
	}
}

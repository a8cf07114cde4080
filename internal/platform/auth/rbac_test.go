package auth

import "testing"

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleEditor) {
		t.Fatalf("viewer should not satisfy editor")
	}
	if !HasAtLeast([]string{"editor"}, RoleViewer) {
		t.Fatalf("editor should satisfy viewer")
	}
	if !HasAtLeast([]string{"admin"}, RoleEditor) {
		t.Fatalf("admin should satisfy editor")
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range []string{"viewer", "Editor", " admin "} {
		if !ValidRole(role) {
			t.Fatalf("ValidRole(%q)=false", role)
		}
	}
	if ValidRole("owner") {
		t.Fatalf("owner is not a grantable role")
	}
}

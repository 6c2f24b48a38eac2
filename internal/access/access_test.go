package access_test

import (
	"errors"
	"testing"

	"github.com/curvelaunch/graduation-engine/internal/access"
)

func TestRequire_BootstrapAdmin(t *testing.T) {
	r := access.NewRegistry("admin1")

	if err := r.Require("admin1", access.RoleAdmin); err != nil {
		t.Errorf("bootstrap admin should hold admin: %v", err)
	}
	// Admin satisfies any narrower requirement.
	if err := r.Require("admin1", access.RoleGuardian); err != nil {
		t.Errorf("admin should satisfy guardian requirement: %v", err)
	}
}

func TestGrantRevoke(t *testing.T) {
	r := access.NewRegistry("admin1")

	if err := r.Grant("admin1", "op1", access.RoleOperator); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := r.Require("op1", access.RoleOperator); err != nil {
		t.Errorf("op1 should hold operator: %v", err)
	}
	// Operator does not satisfy guardian.
	if err := r.Require("op1", access.RoleGuardian); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if err := r.Revoke("admin1", "op1", access.RoleOperator); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := r.Require("op1", access.RoleOperator); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized after revoke, got %v", err)
	}
}

func TestGrant_NonAdminCaller(t *testing.T) {
	r := access.NewRegistry("admin1")
	r.Grant("admin1", "op1", access.RoleOperator)

	if err := r.Grant("op1", "op2", access.RoleOperator); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-admin grant should fail, got %v", err)
	}
	if err := r.Revoke("nobody", "op1", access.RoleOperator); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("non-admin revoke should fail, got %v", err)
	}
}

func TestRequire_MultipleAccepted(t *testing.T) {
	r := access.NewRegistry("admin1")
	r.Grant("admin1", "g1", access.RoleGuardian)

	if err := r.Require("g1", access.RoleGuardian, access.RoleEmergency); err != nil {
		t.Errorf("guardian should satisfy guardian-or-emergency: %v", err)
	}
	if err := r.Require("nobody", access.RoleGuardian, access.RoleEmergency); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for unknown principal, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"admin", "operator", "guardian", "emergency"} {
		if _, err := access.ParseRole(name); err != nil {
			t.Errorf("ParseRole(%q): %v", name, err)
		}
	}
	if _, err := access.ParseRole("superuser"); !errors.Is(err, access.ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

package auth

import (
	"errors"
	"testing"

	"github.com/clinic/clinic/pkg/apperr"
)

func TestGuard_Evaluate(t *testing.T) {
	g := NewGuard()
	owned := Resource{Kind: KindPayment, ID: "p1", SpecialistID: "spec-a", PatientRecord: 1001}

	tests := []struct {
		name  string
		actor Actor
		op    Operation
		want  bool
	}{
		{"admin read", Actor{ID: "adm", Role: RoleAdministrator}, OpRead, true},
		{"admin write", Actor{ID: "adm", Role: RoleAdministrator}, OpWrite, true},
		{"operator write", Actor{ID: "op", Role: RoleOperator}, OpWrite, true},
		{"assigned specialist write", Actor{ID: "spec-a", Role: RoleSpecialist}, OpWrite, true},
		{"assigned specialist read", Actor{ID: "spec-a", Role: RoleSpecialist}, OpRead, true},
		{"other specialist write", Actor{ID: "spec-b", Role: RoleSpecialist}, OpWrite, false},
		{"other specialist read", Actor{ID: "spec-b", Role: RoleSpecialist}, OpRead, false},
		{"specialist without id", Actor{Role: RoleSpecialist}, OpRead, false},
		{"own patient read", Actor{ID: "u1", Role: RolePatient, MedicalRecord: 1001}, OpRead, true},
		{"own patient write", Actor{ID: "u1", Role: RolePatient, MedicalRecord: 1001}, OpWrite, false},
		{"other patient read", Actor{ID: "u2", Role: RolePatient, MedicalRecord: 1002}, OpRead, false},
		{"patient without record", Actor{ID: "u3", Role: RolePatient}, OpRead, false},
		{"guest read", Actor{ID: "g", Role: RoleGuest}, OpRead, false},
		{"unknown role", Actor{ID: "x", Role: "auditor"}, OpRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.CanAccess(tt.actor, owned, tt.op); got != tt.want {
				t.Errorf("CanAccess = %v, want %v (%s)", got, tt.want, g.Evaluate(tt.actor, owned, tt.op).Reason)
			}
		})
	}
}

func TestGuard_AuthorizeReturnsUnauthorized(t *testing.T) {
	g := NewGuard()
	res := Resource{Kind: KindVisit, ID: "v1", SpecialistID: "spec-b"}

	err := g.Authorize(Actor{ID: "spec-a", Role: RoleSpecialist}, res, OpWrite)
	if !errors.Is(err, apperr.ErrUnauthorizedAccess) {
		t.Fatalf("expected ErrUnauthorizedAccess, got %v", err)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		t.Error("unauthorized must stay distinct from not found")
	}
	if err := g.Authorize(Actor{ID: "spec-b", Role: RoleSpecialist}, res, OpWrite); err != nil {
		t.Errorf("expected owner to be authorized, got %v", err)
	}
}

func TestAuthorizeRole(t *testing.T) {
	if err := AuthorizeRole(Actor{ID: "op", Role: RoleOperator}, RoleOperator, RoleAdministrator); err != nil {
		t.Errorf("operator should pass, got %v", err)
	}
	err := AuthorizeRole(Actor{ID: "s", Role: RoleSpecialist}, RoleAdministrator)
	if !errors.Is(err, apperr.ErrUnauthorizedAccess) {
		t.Errorf("expected ErrUnauthorizedAccess, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"patient": RolePatient, "Specialist": RoleSpecialist, " operator ": RoleOperator,
		"admin": RoleAdministrator, "ADMINISTRATOR": RoleAdministrator, "guest": RoleGuest,
	} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Errorf("ParseRole(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseRole("nurse"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown role, got %v", err)
	}
}

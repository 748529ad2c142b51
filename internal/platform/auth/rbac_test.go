package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newRoleContext(actor *Actor) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if actor != nil {
		req = req.WithContext(WithActor(context.Background(), *actor))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequireRole_Allowed(t *testing.T) {
	c := newRoleContext(&Actor{ID: "op", Role: RoleOperator})
	if err := RequireRole(RoleOperator)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := newRoleContext(&Actor{ID: "p", Role: RolePatient, MedicalRecord: 1})
	err := RequireRole(RoleOperator, RoleSpecialist)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := newRoleContext(&Actor{ID: "adm", Role: RoleAdministrator})
	if err := RequireRole(RoleSpecialist)(okHandler)(c); err != nil {
		t.Fatalf("admin should bypass, got %v", err)
	}
}

func TestRequireRole_NoActor(t *testing.T) {
	err := RequireRole(RoleOperator)(okHandler)(newRoleContext(nil))
	expectStatus(t, err, http.StatusUnauthorized)
}

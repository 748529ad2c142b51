package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinic/clinic/pkg/apperr"
)

// Role is the coarse permission class carried in a token.
type Role string

const (
	RoleGuest         Role = "guest"
	RolePatient       Role = "patient"
	RoleSpecialist    Role = "specialist"
	RoleOperator      Role = "operator"
	RoleAdministrator Role = "administrator"
)

// ParseRole accepts the canonical role names case-insensitively. "admin" is
// accepted as an alias for administrator.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "guest":
		return RoleGuest, nil
	case "patient":
		return RolePatient, nil
	case "specialist":
		return RoleSpecialist, nil
	case "operator":
		return RoleOperator, nil
	case "administrator", "admin":
		return RoleAdministrator, nil
	}
	return "", apperr.Validation("unknown role %q", s)
}

// Actor is the verified identity behind a request. MedicalRecord is only
// meaningful for patients.
type Actor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Role          Role   `json:"role"`
	MedicalRecord int64  `json:"medical_record,omitempty"`
}

func (a Actor) String() string {
	return fmt.Sprintf("%s(%s)", a.Role, a.ID)
}

// Unrestricted reports whether the actor bypasses ownership checks.
func (a Actor) Unrestricted() bool {
	return a.Role == RoleAdministrator || a.Role == RoleOperator
}

type contextKey string

const actorKey contextKey = "actor"

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// Authenticate returns the actor placed on ctx by the auth middleware, or
// ErrUnauthenticated when there is none.
func Authenticate(ctx context.Context) (Actor, error) {
	a, ok := ActorFromContext(ctx)
	if !ok || a.ID == "" {
		return Actor{}, fmt.Errorf("%w: no identity on request", apperr.ErrUnauthenticated)
	}
	return a, nil
}

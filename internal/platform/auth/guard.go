package auth

import (
	"github.com/clinic/clinic/pkg/apperr"
)

// Operation is the kind of access being requested.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// ResourceKind names the record type being accessed.
type ResourceKind string

const (
	KindVisit   ResourceKind = "visit"
	KindPayment ResourceKind = "payment"
)

// Resource carries the ownership attributes of a record. For payments the
// caller fills SpecialistID from the linked visit.
type Resource struct {
	Kind          ResourceKind
	ID            string
	SpecialistID  string
	PatientRecord int64
}

// Decision is the outcome of a guard evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Guard decides whether an actor may read or write a visit or payment.
// It is stateless and safe for concurrent use.
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// Evaluate applies the ownership rules:
//
//	administrator, operator  any record
//	specialist               records whose visit belongs to them
//	patient                  read-only, records under their medical record
//	guest                    nothing
func (g *Guard) Evaluate(actor Actor, res Resource, op Operation) Decision {
	switch actor.Role {
	case RoleAdministrator:
		return Decision{Allowed: true, Reason: "administrator"}
	case RoleOperator:
		return Decision{Allowed: true, Reason: "operator"}
	case RoleSpecialist:
		if actor.ID != "" && res.SpecialistID == actor.ID {
			return Decision{Allowed: true, Reason: "assigned specialist"}
		}
		return Decision{Reason: "specialist is not assigned to this " + string(res.Kind)}
	case RolePatient:
		if op != OpRead {
			return Decision{Reason: "patients have read-only access"}
		}
		if actor.MedicalRecord > 0 && res.PatientRecord == actor.MedicalRecord {
			return Decision{Allowed: true, Reason: "own medical record"}
		}
		return Decision{Reason: string(res.Kind) + " belongs to another patient"}
	}
	return Decision{Reason: "role " + string(actor.Role) + " has no access to " + string(res.Kind) + " records"}
}

func (g *Guard) CanAccess(actor Actor, res Resource, op Operation) bool {
	return g.Evaluate(actor, res, op).Allowed
}

// Authorize returns ErrUnauthorizedAccess when the actor may not perform op.
func (g *Guard) Authorize(actor Actor, res Resource, op Operation) error {
	d := g.Evaluate(actor, res, op)
	if d.Allowed {
		return nil
	}
	if res.ID != "" {
		return apperr.Unauthorized("%s cannot %s %s %s: %s", actor, op, res.Kind, res.ID, d.Reason)
	}
	return apperr.Unauthorized("%s cannot %s %s: %s", actor, op, res.Kind, d.Reason)
}

// AuthorizeRole returns ErrUnauthorizedAccess unless the actor holds one of roles.
func AuthorizeRole(actor Actor, roles ...Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return apperr.Unauthorized("%s lacks the required role", actor)
}

package visit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/docstore"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/money"
)

type Service struct {
	visits      Repository
	specialists SpecialistRepository
	guard       *auth.Guard
	audit       audit.Sink
	logger      zerolog.Logger

	locker     lock.Locker
	maxRetries int
	now        func() time.Time
}

func NewService(visits Repository, specialists SpecialistRepository, guard *auth.Guard, sink audit.Sink, logger zerolog.Logger) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		visits:      visits,
		specialists: specialists,
		guard:       guard,
		audit:       sink,
		logger:      logger.With().Str("component", "visit").Logger(),
		locker:      lock.Nop{},
		maxRetries:  docstore.DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker serializes writers of the same visit.
func (s *Service) SetLocker(l lock.Locker) { s.locker = l }

// SetMaxRetries bounds the optimistic-concurrency retry loop.
func (s *Service) SetMaxRetries(n int) { s.maxRetries = n }

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateInput describes a new visit.
type CreateInput struct {
	PatientRecord   PatientRecordID `json:"patient_record"`
	SpecialistID    SpecialistID    `json:"specialist_id"`
	VisitDate       time.Time       `json:"visit_date"`
	IsFirstVisit    bool            `json:"is_first_visit"`
	ServiceCost     *money.Money    `json:"service_cost"`
	MedicationCost  *money.Money    `json:"medication_cost"`
	Recommendations string          `json:"recommendations"`
}

// CreateVisit schedules a visit. Specialists may only schedule their own
// visits and default to themselves when SpecialistID is empty.
func (s *Service) CreateVisit(ctx context.Context, actor auth.Actor, in CreateInput) (*Visit, error) {
	if err := auth.AuthorizeRole(actor, auth.RoleSpecialist, auth.RoleOperator, auth.RoleAdministrator); err != nil {
		return nil, err
	}
	if in.SpecialistID == "" && actor.Role == auth.RoleSpecialist {
		in.SpecialistID = SpecialistID(actor.ID)
	}

	v, err := NewVisit(in.PatientRecord, in.SpecialistID, in.VisitDate, in.IsFirstVisit, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(actor, v.Resource(), auth.OpWrite); err != nil {
		return nil, err
	}
	if in.ServiceCost != nil || in.MedicationCost != nil {
		service, medication := money.Zero, money.Zero
		if in.ServiceCost != nil {
			service = *in.ServiceCost
		}
		if in.MedicationCost != nil {
			medication = *in.MedicationCost
		}
		if err := v.SetCosts(service, medication); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(in.Recommendations) != "" {
		v.Recommendations = in.Recommendations
	}

	if err := s.visits.Create(ctx, v); err != nil {
		s.logFailure(err, "create visit", v.ID, actor)
		return nil, err
	}
	s.record(ctx, actor, "visit.create", v, map[string]string{
		"patient_record": v.PatientRecord.String(),
		"specialist_id":  string(v.SpecialistID),
	})
	return v, nil
}

// GetVisit returns a visit the actor may read.
func (s *Service) GetVisit(ctx context.Context, actor auth.Actor, id string) (*Visit, error) {
	v, err := s.visits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(actor, v.Resource(), auth.OpRead); err != nil {
		return nil, err
	}
	return v, nil
}

// ListVisits narrows f to what the actor owns: patients see their record,
// specialists their own visits.
func (s *Service) ListVisits(ctx context.Context, actor auth.Actor, f ListFilter) ([]*Visit, error) {
	scoped, err := ScopeFilter(actor, f)
	if err != nil {
		return nil, err
	}
	return s.visits.List(ctx, scoped)
}

// ScopeFilter applies the actor's ownership constraint to a visit filter.
func ScopeFilter(actor auth.Actor, f ListFilter) (ListFilter, error) {
	switch actor.Role {
	case auth.RoleAdministrator, auth.RoleOperator:
		return f, nil
	case auth.RoleSpecialist:
		if f.SpecialistID != "" && f.SpecialistID != SpecialistID(actor.ID) {
			return f, apperr.Unauthorized("%s cannot list visits of specialist %s", actor, f.SpecialistID)
		}
		f.SpecialistID = SpecialistID(actor.ID)
		return f, nil
	case auth.RolePatient:
		own := PatientRecordID(actor.MedicalRecord)
		if f.PatientRecord != 0 && f.PatientRecord != own {
			return f, apperr.Unauthorized("%s cannot list visits of another patient", actor)
		}
		f.PatientRecord = own
		return f, nil
	}
	return f, apperr.Unauthorized("%s cannot list visits", actor)
}

func (s *Service) UpdateMedicalInfo(ctx context.Context, actor auth.Actor, id string, info MedicalInfo) (*Visit, error) {
	return s.mutate(ctx, actor, id, "visit.update_medical_info", func(v *Visit) (map[string]string, error) {
		if err := v.UpdateMedicalInfo(info); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

func (s *Service) SetCosts(ctx context.Context, actor auth.Actor, id string, service, medication money.Money) (*Visit, error) {
	return s.mutate(ctx, actor, id, "visit.set_costs", func(v *Visit) (map[string]string, error) {
		if err := v.SetCosts(service, medication); err != nil {
			return nil, err
		}
		return map[string]string{"service_cost": service.String(), "medication_cost": medication.String()}, nil
	})
}

// ChangeStatus parses label and applies the transition.
func (s *Service) ChangeStatus(ctx context.Context, actor auth.Actor, id, label string) (*Visit, error) {
	to, err := ParseStatus(label)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, "visit.change_status", func(v *Visit) (map[string]string, error) {
		from := v.Status
		if err := v.TransitionTo(to); err != nil {
			return nil, err
		}
		return map[string]string{"from": string(from), "to": string(to)}, nil
	})
}

func (s *Service) Reschedule(ctx context.Context, actor auth.Actor, id string, date time.Time) (*Visit, error) {
	return s.mutate(ctx, actor, id, "visit.reschedule", func(v *Visit) (map[string]string, error) {
		if err := v.Reschedule(date); err != nil {
			return nil, err
		}
		return map[string]string{"visit_date": v.VisitDate.Format(time.RFC3339)}, nil
	})
}

// DeleteVisit removes a visit that has not been completed. The delete is
// conditional on the version that passed CanDelete, so a visit completed in
// the meantime is re-checked instead of removed.
func (s *Service) DeleteVisit(ctx context.Context, actor auth.Actor, id string) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	var deleted *Visit
	err = docstore.RetryOnConflict(ctx, s.maxRetries, func(attempt int) error {
		v, err := s.visits.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, v.Resource(), auth.OpWrite); err != nil {
			return err
		}
		if err := v.CanDelete(); err != nil {
			return err
		}
		if err := s.visits.Delete(ctx, id, v.Version); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.logger.Debug().Str("visit_id", id).Int("attempt", attempt).Msg("version conflict, retrying")
			}
			return err
		}
		deleted = v
		return nil
	})
	if err != nil {
		s.logFailure(err, "delete visit", id, actor)
		return err
	}
	s.record(ctx, actor, "visit.delete", deleted, nil)
	return nil
}

// lock takes the per-visit lock. Only a timed-out wait is an error; any other
// lock failure degrades to the version check alone.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "visit:"+id)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, apperr.ErrTimeout) {
		return nil, err
	}
	s.logger.Warn().Err(err).Str("visit_id", id).Msg("lock unavailable, relying on version check")
	return func() {}, nil
}

// mutate loads the visit, checks write access and applies change to it, then
// writes it back with a version check. On a conflict the whole sequence is
// repeated against the fresh record.
func (s *Service) mutate(ctx context.Context, actor auth.Actor, id, action string, change func(*Visit) (map[string]string, error)) (*Visit, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var result *Visit
	var details map[string]string
	err = docstore.RetryOnConflict(ctx, s.maxRetries, func(attempt int) error {
		v, err := s.visits.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, v.Resource(), auth.OpWrite); err != nil {
			return err
		}
		if details, err = change(v); err != nil {
			return err
		}
		if err := v.Validate(); err != nil {
			return err
		}
		v.UpdatedAt = s.now()
		if err := s.visits.Update(ctx, v); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.logger.Debug().Str("visit_id", id).Int("attempt", attempt).Msg("version conflict, retrying")
			}
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		s.logFailure(err, action, id, actor)
		return nil, err
	}
	s.record(ctx, actor, action, result, details)
	return result, nil
}

// SaveSpecialist adds or replaces a directory entry.
func (s *Service) SaveSpecialist(ctx context.Context, actor auth.Actor, sp *Specialist) error {
	if err := auth.AuthorizeRole(actor, auth.RoleOperator, auth.RoleAdministrator); err != nil {
		return err
	}
	sp.Specialty = strings.TrimSpace(sp.Specialty)
	if err := sp.Validate(); err != nil {
		return err
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = s.now()
	}
	if err := s.specialists.Save(ctx, sp); err != nil {
		s.logFailure(err, "save specialist", string(sp.ID), actor)
		return err
	}
	s.audit.Record(audit.Entry{
		ActorID: actor.ID, ActorName: actor.Name, ActorRole: string(actor.Role),
		Action:  "specialist.save",
		Details: map[string]string{"specialist_id": string(sp.ID), "specialty": sp.Specialty},
	})
	return nil
}

// ListSpecialists is open to every authenticated role except guests.
func (s *Service) ListSpecialists(ctx context.Context, actor auth.Actor, specialty string, limit, offset int) ([]*Specialist, error) {
	if actor.Role == auth.RoleGuest {
		return nil, apperr.Unauthorized("%s cannot list specialists", actor)
	}
	if specialty = strings.TrimSpace(specialty); specialty != "" {
		return s.specialists.ListBySpecialty(ctx, specialty)
	}
	return s.specialists.List(ctx, limit, offset)
}

func (s *Service) record(ctx context.Context, actor auth.Actor, action string, v *Visit, details map[string]string) {
	if details == nil {
		details = make(map[string]string)
	}
	details["visit_id"] = v.ID
	details["status"] = string(v.Status)
	s.audit.Record(audit.Entry{
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ActorRole: string(actor.Role),
		Action:    action,
		Details:   details,
		RequestID: audit.RequestIDFromContext(ctx),
	})
}

func (s *Service) logFailure(err error, op, id string, actor auth.Actor) {
	if apperr.IsDomain(err) {
		return
	}
	s.logger.Error().Err(err).Str("op", op).Str("visit_id", id).Str("actor_id", actor.ID).Msg("visit operation failed")
}

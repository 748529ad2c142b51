package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/docstore"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/money"
)

// Service runs payment operations on behalf of an authenticated actor. Every
// mutation is a read-check-write cycle guarded by the stored version and
// retried on conflict, so concurrent callers never overwrite each other.
type Service struct {
	payments    PaymentRepository
	visits      visit.Repository
	specialists visit.SpecialistRepository
	guard       *auth.Guard
	audit       audit.Sink
	logger      zerolog.Logger

	locker     lock.Locker
	maxRetries int
	now        func() time.Time
}

func NewService(payments PaymentRepository, visits visit.Repository, specialists visit.SpecialistRepository, guard *auth.Guard, sink audit.Sink, logger zerolog.Logger) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{
		payments:    payments,
		visits:      visits,
		specialists: specialists,
		guard:       guard,
		audit:       sink,
		logger:      logger.With().Str("component", "billing").Logger(),
		locker:      lock.Nop{},
		maxRetries:  docstore.DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetLocker(l lock.Locker)       { s.locker = l }
func (s *Service) SetMaxRetries(n int)           { s.maxRetries = n }
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreatePaymentForVisit bills a visit. A zero amount bills the visit's total
// cost.
func (s *Service) CreatePaymentForVisit(ctx context.Context, actor auth.Actor, visitID string, amount money.Money) (*Payment, error) {
	v, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(actor, auth.Resource{
		Kind:          auth.KindPayment,
		SpecialistID:  string(v.SpecialistID),
		PatientRecord: int64(v.PatientRecord),
	}, auth.OpWrite); err != nil {
		return nil, err
	}
	if amount.IsZero() {
		amount = v.TotalCost()
	}
	p, err := NewPayment(v.ID, v.PatientRecord, amount, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.payments.Create(ctx, p); err != nil {
		s.logFailure(err, "create payment", p.ID, actor)
		return nil, err
	}
	s.record(ctx, actor, "payment.create", p, map[string]string{"total_amount": p.TotalAmount.String()})
	return p, nil
}

// load fetches a payment and the visit it bills. A missing visit is not an
// error: the payment then carries no specialist ownership.
func (s *Service) load(ctx context.Context, id string) (*Payment, *visit.Visit, error) {
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.visits.GetByID(ctx, p.VisitID)
	if errors.Is(err, apperr.ErrNotFound) {
		return p, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return p, v, nil
}

func (s *Service) GetPayment(ctx context.Context, actor auth.Actor, id string) (*Payment, error) {
	p, v, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(actor, p.Resource(v), auth.OpRead); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPayments narrows f to the payments the actor may read.
func (s *Service) ListPayments(ctx context.Context, actor auth.Actor, f ListFilter) ([]*Payment, error) {
	switch actor.Role {
	case auth.RoleAdministrator, auth.RoleOperator:
	case auth.RolePatient:
		own := visit.PatientRecordID(actor.MedicalRecord)
		if f.PatientRecord != 0 && f.PatientRecord != own {
			return nil, apperr.Unauthorized("%s cannot list payments of another patient", actor)
		}
		f.PatientRecord = own
	case auth.RoleSpecialist:
		ids, err := s.ownVisitIDs(ctx, actor, f.VisitIDs)
		if err != nil {
			return nil, err
		}
		f.VisitIDs = ids
	default:
		return nil, apperr.Unauthorized("%s cannot list payments", actor)
	}
	return s.payments.List(ctx, f)
}

// ownVisitIDs returns the ids of the specialist's visits, restricted to
// requested when it is non-nil.
func (s *Service) ownVisitIDs(ctx context.Context, actor auth.Actor, requested []string) ([]string, error) {
	visits, err := s.visits.List(ctx, visit.ListFilter{SpecialistID: visit.SpecialistID(actor.ID)})
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(visits))
	ids := make([]string, 0, len(visits))
	for _, v := range visits {
		owned[v.ID] = true
		ids = append(ids, v.ID)
	}
	if requested == nil {
		return ids, nil
	}
	for _, id := range requested {
		if !owned[id] {
			return nil, apperr.Unauthorized("%s cannot list payments of visit %s", actor, id)
		}
	}
	return requested, nil
}

func (s *Service) ApplyPayment(ctx context.Context, actor auth.Actor, id string, amount money.Money) (*Payment, error) {
	return s.mutate(ctx, actor, id, "payment.apply", func(p *Payment, now time.Time) (map[string]string, error) {
		if err := p.ApplyPayment(amount, now); err != nil {
			return nil, err
		}
		return map[string]string{
			"amount":           amount.String(),
			"paid_amount":      p.PaidAmount.String(),
			"remaining_amount": p.RemainingAmount.String(),
		}, nil
	})
}

func (s *Service) CancelPayment(ctx context.Context, actor auth.Actor, id string) (*Payment, error) {
	return s.mutate(ctx, actor, id, "payment.cancel", func(p *Payment, _ time.Time) (map[string]string, error) {
		return nil, p.Cancel()
	})
}

func (s *Service) ExtendDueDate(ctx context.Context, actor auth.Actor, id string, days int) (*Payment, error) {
	return s.mutate(ctx, actor, id, "payment.extend_due_date", func(p *Payment, now time.Time) (map[string]string, error) {
		if err := p.ExtendDueDate(days, now); err != nil {
			return nil, err
		}
		return map[string]string{"due_date": p.DueDate.Format(time.RFC3339)}, nil
	})
}

// RecomputeStatus persists the derived status, moving a payment past its due
// date to Overdue. Nothing calls it in the background.
func (s *Service) RecomputeStatus(ctx context.Context, actor auth.Actor, id string) (*Payment, error) {
	return s.mutate(ctx, actor, id, "payment.recompute_status", func(p *Payment, now time.Time) (map[string]string, error) {
		from := p.Status
		p.RecomputeStatus(now)
		return map[string]string{"from": string(from)}, nil
	})
}

// AdminUpdatePayment overwrites payment fields outside the state machine.
func (s *Service) AdminUpdatePayment(ctx context.Context, actor auth.Actor, id string, patch PaymentPatch) (*Payment, error) {
	if err := auth.AuthorizeRole(actor, auth.RoleAdministrator); err != nil {
		return nil, err
	}
	return s.mutate(ctx, actor, id, "payment.admin_update", func(p *Payment, _ time.Time) (map[string]string, error) {
		if err := p.AdminUpdate(patch); err != nil {
			return nil, err
		}
		return map[string]string{
			"total_amount":     p.TotalAmount.String(),
			"paid_amount":      p.PaidAmount.String(),
			"remaining_amount": p.RemainingAmount.String(),
		}, nil
	})
}

// DeletePayment removes a payment regardless of its status.
func (s *Service) DeletePayment(ctx context.Context, actor auth.Actor, id string) error {
	if err := auth.AuthorizeRole(actor, auth.RoleAdministrator); err != nil {
		return err
	}
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.payments.Delete(ctx, id); err != nil {
		s.logFailure(err, "delete payment", id, actor)
		return err
	}
	s.record(ctx, actor, "payment.delete", p, nil)
	return nil
}

// mutate applies change under the payment lock and the version check. Each
// attempt reloads the payment and its visit and re-checks access, so a retry
// never acts on stale preconditions. change runs on a fresh copy; nothing is
// written when it fails.
func (s *Service) mutate(ctx context.Context, actor auth.Actor, id, action string, change func(*Payment, time.Time) (map[string]string, error)) (*Payment, error) {
	unlock, err := s.locker.Lock(ctx, "payment:"+id)
	if err != nil {
		if errors.Is(err, apperr.ErrTimeout) {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("payment_id", id).Msg("lock unavailable, relying on version check")
		unlock = func() {}
	}
	defer unlock()

	var result *Payment
	var details map[string]string
	err = docstore.RetryOnConflict(ctx, s.maxRetries, func(attempt int) error {
		p, v, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if err := s.guard.Authorize(actor, p.Resource(v), auth.OpWrite); err != nil {
			return err
		}
		now := s.now()
		if details, err = change(p, now); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := s.payments.Update(ctx, p); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.logger.Debug().Str("payment_id", id).Int("attempt", attempt).Msg("version conflict, retrying")
			}
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		s.logFailure(err, action, id, actor)
		return nil, err
	}
	s.record(ctx, actor, action, result, details)
	return result, nil
}

func (s *Service) record(ctx context.Context, actor auth.Actor, action string, p *Payment, details map[string]string) {
	if details == nil {
		details = make(map[string]string)
	}
	details["payment_id"] = p.ID
	details["visit_id"] = p.VisitID
	details["status"] = string(p.Status)
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
	ev := s.logger.Error()
	if errors.Is(err, apperr.ErrConflict) {
		ev = s.logger.Warn()
	}
	ev.Err(err).Str("op", op).Str("payment_id", id).Str("actor_id", actor.ID).Msg("payment operation failed")
}

package billing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/money"
)

// Revenue is the amount collected on payments issued within a period.
type Revenue struct {
	Start    time.Time   `json:"start"`
	End      time.Time   `json:"end"`
	Total    money.Money `json:"total"`
	Count    int         `json:"count"`
	Payments []*Payment  `json:"-"`
}

// GetRevenueByPeriod sums PaidAmount over non-cancelled payments issued in
// [start, end].
func (s *Service) GetRevenueByPeriod(ctx context.Context, actor auth.Actor, start, end time.Time) (*Revenue, error) {
	if err := auth.AuthorizeRole(actor, auth.RoleOperator, auth.RoleAdministrator); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, apperr.Validation("period end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	payments, err := s.payments.List(ctx, ListFilter{IssuedFrom: start, IssuedTo: end})
	if err != nil {
		return nil, err
	}
	rev := &Revenue{Start: start, End: end, Total: money.Zero, Payments: make([]*Payment, 0, len(payments))}
	for _, p := range payments {
		if p.Status == StatusCancelled {
			continue
		}
		rev.Total = rev.Total.Add(p.PaidAmount)
		rev.Payments = append(rev.Payments, p)
	}
	rev.Count = len(rev.Payments)
	return rev, nil
}

// PatientCost is what a patient's completed visits cost over a calendar year.
// Months[0] is January.
type PatientCost struct {
	PatientRecord visit.PatientRecordID `json:"patient_record"`
	Year          int                   `json:"year"`
	Total         money.Money           `json:"total"`
	Months        [12]money.Money       `json:"months"`
	Visits        []*visit.Visit        `json:"-"`
}

func (s *Service) authorizeRecord(actor auth.Actor, record visit.PatientRecordID) error {
	switch actor.Role {
	case auth.RoleAdministrator, auth.RoleOperator:
		return nil
	case auth.RolePatient:
		if int64(record) == actor.MedicalRecord {
			return nil
		}
	}
	return apperr.Unauthorized("%s cannot view billing of patient %s", actor, record)
}

func (s *Service) GetPatientCostByYear(ctx context.Context, actor auth.Actor, record visit.PatientRecordID, year int) (*PatientCost, error) {
	if err := s.authorizeRecord(actor, record); err != nil {
		return nil, err
	}
	if record <= 0 {
		return nil, apperr.Validation("patient medical record must be positive")
	}
	if year < 1 || year > 9999 {
		return nil, apperr.Validation("year %d is out of range", year)
	}
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	visits, err := s.visits.List(ctx, visit.ListFilter{
		PatientRecord: record,
		Status:        visit.StatusCompleted,
		From:          from,
		To:            from.AddDate(1, 0, 0).Add(-time.Second),
	})
	if err != nil {
		return nil, err
	}
	pc := &PatientCost{PatientRecord: record, Year: year, Total: money.Zero, Visits: visits}
	for i := range pc.Months {
		pc.Months[i] = money.Zero
	}
	for _, v := range visits {
		cost := v.TotalCost()
		pc.Months[v.VisitDate.Month()-1] = pc.Months[v.VisitDate.Month()-1].Add(cost)
		pc.Total = pc.Total.Add(cost)
	}
	return pc, nil
}

// PatientsPerDayQuery selects visits by specialist or, when SpecialistID is
// empty, by every specialist of Specialty. Start and End are calendar days.
type PatientsPerDayQuery struct {
	SpecialistID visit.SpecialistID `json:"specialist_id,omitempty"`
	Specialty    string             `json:"specialty,omitempty"`
	Start        time.Time          `json:"start"`
	End          time.Time          `json:"end"`
}

type PatientsPerDay struct {
	PatientsPerDayQuery
	CompletedVisits int             `json:"completed_visits"`
	Days            int             `json:"days"`
	Average         decimal.Decimal `json:"average"`
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetAveragePatientsPerDay divides the number of completed visits in the
// window by its inclusive day count.
func (s *Service) GetAveragePatientsPerDay(ctx context.Context, actor auth.Actor, q PatientsPerDayQuery) (*PatientsPerDay, error) {
	q.Specialty = strings.TrimSpace(q.Specialty)
	switch actor.Role {
	case auth.RoleAdministrator, auth.RoleOperator:
	case auth.RoleSpecialist:
		if q.SpecialistID == "" && q.Specialty == "" {
			q.SpecialistID = visit.SpecialistID(actor.ID)
		}
		if q.SpecialistID != visit.SpecialistID(actor.ID) {
			return nil, apperr.Unauthorized("%s can only view their own statistics", actor)
		}
	default:
		return nil, apperr.Unauthorized("%s cannot view visit statistics", actor)
	}
	if q.SpecialistID == "" && q.Specialty == "" {
		return nil, apperr.Validation("specialist id or specialty is required")
	}
	start, end := dateOf(q.Start), dateOf(q.End)
	if end.Before(start) {
		return nil, apperr.Validation("period end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	specialists := []visit.SpecialistID{q.SpecialistID}
	if q.SpecialistID == "" {
		found, err := s.specialists.ListBySpecialty(ctx, q.Specialty)
		if err != nil {
			return nil, err
		}
		specialists = specialists[:0]
		for _, sp := range found {
			specialists = append(specialists, sp.ID)
		}
	}

	count := 0
	for _, id := range specialists {
		visits, err := s.visits.List(ctx, visit.ListFilter{
			SpecialistID: id,
			Status:       visit.StatusCompleted,
			From:         start,
			To:           end.AddDate(0, 0, 1).Add(-time.Second),
		})
		if err != nil {
			return nil, err
		}
		count += len(visits)
	}

	days := int(end.Sub(start)/day) + 1
	if days < 1 {
		days = 1
	}
	res := &PatientsPerDay{PatientsPerDayQuery: q, CompletedVisits: count, Days: days, Average: decimal.Zero}
	res.Start, res.End = start, end
	if count > 0 {
		res.Average = decimal.NewFromInt(int64(count)).DivRound(decimal.NewFromInt(int64(days)), 2)
	}
	return res, nil
}

// Summary is the billing position of one patient. Cancelled payments are
// left out.
type Summary struct {
	PatientRecord   visit.PatientRecordID `json:"patient_record"`
	TotalBilled     money.Money           `json:"total_billed"`
	TotalPaid       money.Money           `json:"total_paid"`
	Outstanding     money.Money           `json:"outstanding"`
	Payments        int                   `json:"payments"`
	OverduePayments int                   `json:"overdue_payments"`
}

func (s *Service) BillingSummary(ctx context.Context, actor auth.Actor, record visit.PatientRecordID) (*Summary, error) {
	if err := s.authorizeRecord(actor, record); err != nil {
		return nil, err
	}
	payments, err := s.payments.List(ctx, ListFilter{PatientRecord: record})
	if err != nil {
		return nil, err
	}
	now := s.now()
	sum := &Summary{PatientRecord: record, TotalBilled: money.Zero, TotalPaid: money.Zero, Outstanding: money.Zero}
	for _, p := range payments {
		if p.Status == StatusCancelled {
			continue
		}
		sum.Payments++
		sum.TotalBilled = sum.TotalBilled.Add(p.TotalAmount)
		sum.TotalPaid = sum.TotalPaid.Add(p.PaidAmount)
		sum.Outstanding = sum.Outstanding.Add(p.RemainingAmount)
		if p.IsOverdue(now) {
			sum.OverduePayments++
		}
	}
	return sum, nil
}

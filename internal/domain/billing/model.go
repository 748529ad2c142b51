package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/internal/domain/visit"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/money"
)

// DefaultTermDays is the time between issue and due date of a new payment.
const DefaultTermDays = 30

type PaymentStatus string

const (
	StatusPending       PaymentStatus = "Pending"
	StatusPartiallyPaid PaymentStatus = "PartiallyPaid"
	StatusPaid          PaymentStatus = "Paid"
	StatusOverdue       PaymentStatus = "Overdue"
	StatusCancelled     PaymentStatus = "Cancelled"
)

// ParsePaymentStatus accepts the canonical labels case-insensitively, plus
// "partially_paid".
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "partiallypaid", "partially_paid":
		return StatusPartiallyPaid, nil
	case "paid":
		return StatusPaid, nil
	case "overdue":
		return StatusOverdue, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	}
	return "", apperr.Validation("unknown payment status %q", s)
}

// Terminal reports whether no regular operation may leave the status.
func (s PaymentStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

// Payment tracks the amount owed and paid for one visit.
//
// RemainingAmount always equals TotalAmount - PaidAmount within
// money.Tolerance, and PaidAmount never exceeds TotalAmount.
type Payment struct {
	ID              string                `json:"id"`
	VisitID         string                `json:"visit_id"`
	PatientRecord   visit.PatientRecordID `json:"patient_record"`
	TotalAmount     money.Money           `json:"total_amount"`
	PaidAmount      money.Money           `json:"paid_amount"`
	RemainingAmount money.Money           `json:"remaining_amount"`
	IssuedDate      time.Time             `json:"issued_date"`
	DueDate         time.Time             `json:"due_date"`
	LastPaymentDate *time.Time            `json:"last_payment_date,omitempty"`
	Status          PaymentStatus         `json:"status"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func utcSeconds(t time.Time) time.Time { return t.UTC().Truncate(time.Second) }

// NewPayment issues a Pending payment due DefaultTermDays after now.
func NewPayment(visitID string, record visit.PatientRecordID, total money.Money, now time.Time) (*Payment, error) {
	if strings.TrimSpace(visitID) == "" {
		return nil, apperr.Validation("visit id is required")
	}
	if !total.IsPositive() {
		return nil, apperr.Validation("total amount must be positive, got %s", total)
	}
	issued := utcSeconds(now)
	total = total.Round()
	return &Payment{
		ID:              uuid.NewString(),
		VisitID:         visitID,
		PatientRecord:   record,
		TotalAmount:     total,
		PaidAmount:      money.Zero,
		RemainingAmount: total,
		IssuedDate:      issued,
		DueDate:         issued.AddDate(0, 0, DefaultTermDays),
		Status:          StatusPending,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}, nil
}

// ApplyPayment records a partial or full payment. The payment is left
// untouched when any precondition fails.
func (p *Payment) ApplyPayment(amount money.Money, now time.Time) error {
	amount = amount.Round()
	switch {
	case p.Status == StatusCancelled:
		return apperr.InvalidTransition("payment %s is cancelled", p.ID)
	case p.Status == StatusPaid:
		return apperr.InvalidTransition("payment %s is already paid", p.ID)
	case !p.RemainingAmount.IsPositive():
		return apperr.InvalidTransition("payment %s has nothing left to pay", p.ID)
	case !amount.IsPositive():
		return apperr.InvalidTransition("payment amount must be positive, got %s", amount)
	case amount.GreaterThan(p.RemainingAmount):
		return apperr.InvalidTransition("payment amount %s exceeds remaining %s", amount, p.RemainingAmount)
	}

	next := *p
	paidAt := utcSeconds(now)
	next.PaidAmount = p.PaidAmount.Add(amount)
	next.RemainingAmount = next.TotalAmount.Sub(next.PaidAmount)
	next.LastPaymentDate = &paidAt
	if next.PaidAmount.GreaterThanOrEqual(next.TotalAmount) {
		next.Status = StatusPaid
	} else {
		next.Status = StatusPartiallyPaid
	}
	if err := next.checkAmounts(); err != nil {
		return apperr.Invariant("after applying %s to payment %s: %v", amount, p.ID, err)
	}
	*p = next
	return nil
}

// RecomputeStatus derives the status from the amounts and the due date.
// Cancelled payments are left alone. Calling it twice has no further effect.
func (p *Payment) RecomputeStatus(now time.Time) {
	if p.Status == StatusCancelled {
		return
	}
	switch {
	case !p.RemainingAmount.IsPositive():
		p.Status = StatusPaid
		p.RemainingAmount = money.Zero
	case p.PaidAmount.IsPositive():
		p.Status = StatusPartiallyPaid
	case now.After(p.DueDate):
		p.Status = StatusOverdue
	default:
		p.Status = StatusPending
	}
}

func (p *Payment) Cancel() error {
	if p.Status == StatusCancelled {
		return apperr.InvalidTransition("payment %s is already cancelled", p.ID)
	}
	if !p.PaidAmount.IsZero() {
		return apperr.InvalidTransition("cannot cancel a payment with existing payments; refund required")
	}
	p.Status = StatusCancelled
	return nil
}

// ExtendDueDate pushes the due date back. An Overdue payment whose new due
// date lies in the future gets its status recomputed.
func (p *Payment) ExtendDueDate(days int, now time.Time) error {
	if days <= 0 {
		return apperr.Validation("extension must be a positive number of days, got %d", days)
	}
	wasOverdue := p.Status == StatusOverdue
	p.DueDate = p.DueDate.AddDate(0, 0, days)
	if wasOverdue && !p.IsOverdue(now) {
		p.RecomputeStatus(now)
	}
	return nil
}

// IsOverdue is computed and does not change Status.
func (p *Payment) IsOverdue(now time.Time) bool {
	return now.After(p.DueDate) && p.RemainingAmount.IsPositive()
}

// PaymentPatch is an administrative overwrite. Nil fields are kept.
type PaymentPatch struct {
	TotalAmount     *money.Money   `json:"total_amount"`
	PaidAmount      *money.Money   `json:"paid_amount"`
	RemainingAmount *money.Money   `json:"remaining_amount"`
	IssuedDate      *time.Time     `json:"issued_date"`
	DueDate         *time.Time     `json:"due_date"`
	LastPaymentDate *time.Time     `json:"last_payment_date"`
	Status          *PaymentStatus `json:"status"`
}

// AdminUpdate overwrites fields without going through the state machine.
// Only Validate applies. When the patch changes an amount but omits
// RemainingAmount, the remaining amount is derived.
func (p *Payment) AdminUpdate(patch PaymentPatch) error {
	next := *p
	if patch.TotalAmount != nil {
		next.TotalAmount = patch.TotalAmount.Round()
	}
	if patch.PaidAmount != nil {
		next.PaidAmount = patch.PaidAmount.Round()
	}
	switch {
	case patch.RemainingAmount != nil:
		next.RemainingAmount = patch.RemainingAmount.Round()
	case patch.TotalAmount != nil || patch.PaidAmount != nil:
		next.RemainingAmount = next.TotalAmount.Sub(next.PaidAmount)
	}
	if patch.IssuedDate != nil {
		next.IssuedDate = utcSeconds(*patch.IssuedDate)
	}
	if patch.DueDate != nil {
		next.DueDate = utcSeconds(*patch.DueDate)
	}
	if patch.LastPaymentDate != nil {
		t := utcSeconds(*patch.LastPaymentDate)
		next.LastPaymentDate = &t
	}
	if patch.Status != nil {
		st, err := ParsePaymentStatus(string(*patch.Status))
		if err != nil {
			return err
		}
		next.Status = st
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}

func (p *Payment) Validate() error {
	if strings.TrimSpace(p.VisitID) == "" {
		return apperr.Validation("visit id is required")
	}
	if st, err := ParsePaymentStatus(string(p.Status)); err != nil {
		return err
	} else if st != p.Status {
		return apperr.Validation("payment status %q is not a canonical label", p.Status)
	}
	if err := p.checkAmounts(); err != nil {
		return apperr.Validation("%v", err)
	}
	return nil
}

func (p *Payment) checkAmounts() error {
	switch {
	case p.TotalAmount.IsNegative():
		return errors.New("total amount must not be negative")
	case p.PaidAmount.IsNegative():
		return errors.New("paid amount must not be negative")
	case p.PaidAmount.GreaterThan(p.TotalAmount):
		return fmt.Errorf("paid amount %s exceeds total %s", p.PaidAmount, p.TotalAmount)
	case !money.WithinTolerance(p.RemainingAmount, p.TotalAmount.Sub(p.PaidAmount)):
		return fmt.Errorf("remaining amount %s does not match total minus paid", p.RemainingAmount)
	}
	return nil
}

func (p *Payment) IsFullyPaid() bool      { return p.Status == StatusPaid }
func (p *Payment) IsPartiallyPaid() bool  { return p.Status == StatusPartiallyPaid }
func (p *Payment) IsPending() bool        { return p.Status == StatusPending }
func (p *Payment) CanAcceptPayment() bool { return !p.Status.Terminal() }

var hundred = decimal.NewFromInt(100)

// ProgressPercent is PaidAmount/TotalAmount*100, or 0 for a zero total.
func (p *Payment) ProgressPercent() decimal.Decimal {
	if p.TotalAmount.IsZero() {
		return decimal.Zero
	}
	return p.PaidAmount.Ratio(p.TotalAmount).Mul(hundred).Round(2)
}

const day = 24 * time.Hour

// DaysUntilDue counts whole days to the due date. It is negative once the due
// date has passed.
func (p *Payment) DaysUntilDue(now time.Time) int {
	return int(p.DueDate.Sub(now) / day)
}

// DaysOverdue counts whole days past the due date, or 0 unless overdue.
func (p *Payment) DaysOverdue(now time.Time) int {
	if !p.IsOverdue(now) {
		return 0
	}
	return int(now.Sub(p.DueDate) / day)
}

// Resource describes the payment for the access guard. Ownership by a
// specialist is resolved through the billed visit, which may be nil when it
// has been removed.
func (p *Payment) Resource(v *visit.Visit) auth.Resource {
	r := auth.Resource{
		Kind:          auth.KindPayment,
		ID:            p.ID,
		PatientRecord: int64(p.PatientRecord),
	}
	if v != nil {
		r.SpecialistID = string(v.SpecialistID)
	}
	return r
}

package billing

import (
	"context"
	"time"

	"github.com/clinic/clinic/internal/domain/visit"
)

// ListFilter selects payments. Zero fields do not constrain the result.
type ListFilter struct {
	PatientRecord visit.PatientRecordID
	VisitIDs      []string
	Status        PaymentStatus
	IssuedFrom    time.Time
	IssuedTo      time.Time
	Limit         int
	Offset        int
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id string) (*Payment, error)
	// Update replaces the stored payment only if it is still at p.Version.
	Update(ctx context.Context, p *Payment) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f ListFilter) ([]*Payment, error)
}

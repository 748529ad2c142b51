package visit

import (
	"context"
	"time"
)

// ListFilter narrows a visit listing. Zero fields are ignored; From and To
// bound VisitDate inclusively.
type ListFilter struct {
	PatientRecord PatientRecordID
	SpecialistID  SpecialistID
	Status        Status
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

type Repository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id string) (*Visit, error)
	// Update writes v only if the stored version still equals v.Version and
	// returns apperr.ErrConflict otherwise. On success v.Version is bumped.
	Update(ctx context.Context, v *Visit) error
	// Delete removes the visit only while it is still at expectedVersion.
	Delete(ctx context.Context, id string, expectedVersion int64) error
	List(ctx context.Context, f ListFilter) ([]*Visit, error)
}

type SpecialistRepository interface {
	Save(ctx context.Context, s *Specialist) error
	GetByID(ctx context.Context, id SpecialistID) (*Specialist, error)
	ListBySpecialty(ctx context.Context, specialty string) ([]*Specialist, error)
	List(ctx context.Context, limit, offset int) ([]*Specialist, error)
}

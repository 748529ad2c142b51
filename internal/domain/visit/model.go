package visit

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
	"github.com/clinic/clinic/pkg/money"
)

// PatientRecordID is a patient's medical record number.
type PatientRecordID int64

func (r PatientRecordID) String() string { return strconv.FormatInt(int64(r), 10) }

// SpecialistID identifies the specialist who owns a visit.
type SpecialistID string

// Status is the lifecycle state of a visit.
type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusNoShow     Status = "NoShow"
)

// NoRecommendation is stored when a visit has no recommendations.
const NoRecommendation = "No recommendation"

// ParseStatus accepts the canonical labels case-insensitively, plus the
// snake_case forms "in_progress" and "no_show".
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scheduled":
		return StatusScheduled, nil
	case "inprogress", "in_progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	case "noshow", "no_show":
		return StatusNoShow, nil
	}
	return "", apperr.Validation("unknown visit status %q", s)
}

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusNoShow:     {StatusScheduled, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal visit transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Visit is one clinical encounter between a patient and a specialist.
type Visit struct {
	ID              string          `json:"id"`
	PatientRecord   PatientRecordID `json:"patient_record"`
	SpecialistID    SpecialistID    `json:"specialist_id"`
	VisitDate       time.Time       `json:"visit_date"`
	IsFirstVisit    bool            `json:"is_first_visit"`
	Anamnesis       string          `json:"anamnesis"`
	Diagnosis       string          `json:"diagnosis"`
	Treatment       string          `json:"treatment"`
	Recommendations string          `json:"recommendations"`
	ServiceCost     money.Money     `json:"service_cost"`
	MedicationCost  money.Money     `json:"medication_cost"`
	Status          Status          `json:"status"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewVisit builds a Scheduled visit and validates it.
func NewVisit(record PatientRecordID, specialist SpecialistID, date time.Time, firstVisit bool, now time.Time) (*Visit, error) {
	v := &Visit{
		ID:              uuid.NewString(),
		PatientRecord:   record,
		SpecialistID:    specialist,
		VisitDate:       date.UTC().Truncate(time.Second),
		IsFirstVisit:    firstVisit,
		Recommendations: NoRecommendation,
		ServiceCost:     money.Zero,
		MedicationCost:  money.Zero,
		Status:          StatusScheduled,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// TotalCost is ServiceCost plus MedicationCost.
func (v *Visit) TotalCost() money.Money {
	return v.ServiceCost.Add(v.MedicationCost)
}

// CanBeModified is false once the visit is Completed or Cancelled.
func (v *Visit) CanBeModified() bool {
	return v.Status != StatusCompleted && v.Status != StatusCancelled
}

func (v *Visit) Validate() error {
	switch {
	case v.PatientRecord <= 0:
		return apperr.Validation("patient medical record must be positive")
	case strings.TrimSpace(string(v.SpecialistID)) == "":
		return apperr.Validation("specialist id is required")
	case v.VisitDate.IsZero():
		return apperr.Validation("visit date is required")
	case v.ServiceCost.IsNegative():
		return apperr.Validation("service cost must not be negative")
	case v.MedicationCost.IsNegative():
		return apperr.Validation("medication cost must not be negative")
	}
	return nil
}

func (v *Visit) ensureModifiable() error {
	if !v.CanBeModified() {
		return apperr.InvalidTransition("visit %s is %s and can no longer be modified", v.ID, v.Status)
	}
	return nil
}

// MedicalInfo is a partial update of the clinical notes. Nil fields are left
// unchanged.
type MedicalInfo struct {
	Anamnesis       *string `json:"anamnesis"`
	Diagnosis       *string `json:"diagnosis"`
	Treatment       *string `json:"treatment"`
	Recommendations *string `json:"recommendations"`
}

func (v *Visit) UpdateMedicalInfo(info MedicalInfo) error {
	if err := v.ensureModifiable(); err != nil {
		return err
	}
	if info.Anamnesis != nil {
		v.Anamnesis = *info.Anamnesis
	}
	if info.Diagnosis != nil {
		v.Diagnosis = *info.Diagnosis
	}
	if info.Treatment != nil {
		v.Treatment = *info.Treatment
	}
	if info.Recommendations != nil {
		v.Recommendations = *info.Recommendations
	}
	if strings.TrimSpace(v.Recommendations) == "" {
		v.Recommendations = NoRecommendation
	}
	return nil
}

func (v *Visit) SetCosts(service, medication money.Money) error {
	if err := v.ensureModifiable(); err != nil {
		return err
	}
	if service.IsNegative() || medication.IsNegative() {
		return apperr.Validation("costs must not be negative")
	}
	v.ServiceCost = service.Round()
	v.MedicationCost = medication.Round()
	return nil
}

func (v *Visit) TransitionTo(to Status) error {
	if err := v.ensureModifiable(); err != nil {
		return err
	}
	if !CanTransition(v.Status, to) {
		return apperr.InvalidTransition("visit cannot move from %s to %s", v.Status, to)
	}
	v.Status = to
	return nil
}

// Reschedule moves the visit date. A NoShow visit returns to Scheduled.
func (v *Visit) Reschedule(date time.Time) error {
	if err := v.ensureModifiable(); err != nil {
		return err
	}
	if date.IsZero() {
		return apperr.Validation("visit date is required")
	}
	if v.Status == StatusInProgress {
		return apperr.InvalidTransition("visit %s is in progress", v.ID)
	}
	v.VisitDate = date.UTC().Truncate(time.Second)
	if v.Status == StatusNoShow {
		v.Status = StatusScheduled
	}
	return nil
}

// CanDelete rejects deletion of completed visits.
func (v *Visit) CanDelete() error {
	if v.Status == StatusCompleted {
		return apperr.InvalidTransition("visit %s is completed and cannot be deleted", v.ID)
	}
	return nil
}

// Resource returns the ownership attributes used by the access guard.
func (v *Visit) Resource() auth.Resource {
	return auth.Resource{
		Kind:          auth.KindVisit,
		ID:            v.ID,
		SpecialistID:  string(v.SpecialistID),
		PatientRecord: int64(v.PatientRecord),
	}
}

// Specialist is an entry of the specialist directory.
type Specialist struct {
	ID        SpecialistID `json:"id"`
	Name      string       `json:"name"`
	Specialty string       `json:"specialty"`
	Version   int64        `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
}

func (s *Specialist) Validate() error {
	switch {
	case strings.TrimSpace(string(s.ID)) == "":
		return apperr.Validation("specialist id is required")
	case strings.TrimSpace(s.Name) == "":
		return apperr.Validation("specialist name is required")
	case strings.TrimSpace(s.Specialty) == "":
		return apperr.Validation("specialty is required")
	}
	return nil
}

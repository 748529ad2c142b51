package visit

import (
	"context"

	"github.com/clinic/clinic/internal/platform/docstore"
)

type visitRepoDoc struct {
	store docstore.Store
}

func NewRepoDoc(store docstore.Store) Repository {
	return &visitRepoDoc{store: store}
}

func decodeVisit(doc *docstore.Document) (*Visit, error) {
	var v Visit
	if err := doc.Decode(&v); err != nil {
		return nil, err
	}
	v.Version = doc.Version
	v.UpdatedAt = doc.UpdatedAt
	return &v, nil
}

func (r *visitRepoDoc) Create(ctx context.Context, v *Visit) error {
	doc, err := docstore.NewDocument(v.ID, 0, v)
	if err != nil {
		return err
	}
	if err := r.store.Insert(ctx, docstore.CollectionVisits, doc); err != nil {
		return err
	}
	v.Version = doc.Version
	v.UpdatedAt = doc.UpdatedAt
	return nil
}

func (r *visitRepoDoc) GetByID(ctx context.Context, id string) (*Visit, error) {
	doc, err := r.store.Get(ctx, docstore.CollectionVisits, id)
	if err != nil {
		return nil, err
	}
	return decodeVisit(doc)
}

func (r *visitRepoDoc) Update(ctx context.Context, v *Visit) error {
	expected := v.Version
	doc, err := docstore.NewDocument(v.ID, expected, v)
	if err != nil {
		return err
	}
	if err := r.store.Replace(ctx, docstore.CollectionVisits, doc, expected); err != nil {
		return err
	}
	v.Version = doc.Version
	v.UpdatedAt = doc.UpdatedAt
	return nil
}

func (r *visitRepoDoc) Delete(ctx context.Context, id string, expectedVersion int64) error {
	return r.store.DeleteVersion(ctx, docstore.CollectionVisits, id, expectedVersion)
}

func (r *visitRepoDoc) List(ctx context.Context, f ListFilter) ([]*Visit, error) {
	q := docstore.Filter{SortBy: "visit_date", Limit: f.Limit, Offset: f.Offset}
	if f.PatientRecord != 0 {
		q.Conds = append(q.Conds, docstore.Where("patient_record", docstore.OpEq, f.PatientRecord))
	}
	if f.SpecialistID != "" {
		q.Conds = append(q.Conds, docstore.Where("specialist_id", docstore.OpEq, f.SpecialistID))
	}
	if f.Status != "" {
		q.Conds = append(q.Conds, docstore.Where("status", docstore.OpEq, f.Status))
	}
	if !f.From.IsZero() {
		q.Conds = append(q.Conds, docstore.Where("visit_date", docstore.OpGte, f.From))
	}
	if !f.To.IsZero() {
		q.Conds = append(q.Conds, docstore.Where("visit_date", docstore.OpLte, f.To))
	}

	docs, err := r.store.Query(ctx, docstore.CollectionVisits, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Visit, 0, len(docs))
	for _, d := range docs {
		v, err := decodeVisit(d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type specialistRepoDoc struct {
	store docstore.Store
}

func NewSpecialistRepoDoc(store docstore.Store) SpecialistRepository {
	return &specialistRepoDoc{store: store}
}

func decodeSpecialist(doc *docstore.Document) (*Specialist, error) {
	var s Specialist
	if err := doc.Decode(&s); err != nil {
		return nil, err
	}
	s.Version = doc.Version
	return &s, nil
}

func (r *specialistRepoDoc) Save(ctx context.Context, s *Specialist) error {
	doc, err := docstore.NewDocument(string(s.ID), 0, s)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, docstore.CollectionSpecialists, doc); err != nil {
		return err
	}
	s.Version = doc.Version
	return nil
}

func (r *specialistRepoDoc) GetByID(ctx context.Context, id SpecialistID) (*Specialist, error) {
	doc, err := r.store.Get(ctx, docstore.CollectionSpecialists, string(id))
	if err != nil {
		return nil, err
	}
	return decodeSpecialist(doc)
}

func (r *specialistRepoDoc) ListBySpecialty(ctx context.Context, specialty string) ([]*Specialist, error) {
	return r.query(ctx, docstore.Filter{
		Conds: []docstore.Cond{docstore.Where("specialty", docstore.OpEq, specialty)},
	})
}

func (r *specialistRepoDoc) List(ctx context.Context, limit, offset int) ([]*Specialist, error) {
	return r.query(ctx, docstore.Filter{SortBy: "name", Limit: limit, Offset: offset})
}

func (r *specialistRepoDoc) query(ctx context.Context, f docstore.Filter) ([]*Specialist, error) {
	docs, err := r.store.Query(ctx, docstore.CollectionSpecialists, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Specialist, 0, len(docs))
	for _, d := range docs {
		s, err := decodeSpecialist(d)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

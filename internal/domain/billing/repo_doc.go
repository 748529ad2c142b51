package billing

import (
	"context"
	"slices"
	"strings"

	"github.com/clinic/clinic/internal/platform/docstore"
)

type paymentRepoDoc struct {
	store docstore.Store
}

func NewRepoDoc(store docstore.Store) PaymentRepository {
	return &paymentRepoDoc{store: store}
}

func decodePayment(doc *docstore.Document) (*Payment, error) {
	var p Payment
	if err := doc.Decode(&p); err != nil {
		return nil, err
	}
	p.Version = doc.Version
	p.UpdatedAt = doc.UpdatedAt
	return &p, nil
}

func (r *paymentRepoDoc) Create(ctx context.Context, p *Payment) error {
	doc, err := docstore.NewDocument(p.ID, 0, p)
	if err != nil {
		return err
	}
	if err := r.store.Insert(ctx, docstore.CollectionPayments, doc); err != nil {
		return err
	}
	p.Version = doc.Version
	p.UpdatedAt = doc.UpdatedAt
	return nil
}

func (r *paymentRepoDoc) GetByID(ctx context.Context, id string) (*Payment, error) {
	doc, err := r.store.Get(ctx, docstore.CollectionPayments, id)
	if err != nil {
		return nil, err
	}
	return decodePayment(doc)
}

func (r *paymentRepoDoc) Update(ctx context.Context, p *Payment) error {
	expected := p.Version
	doc, err := docstore.NewDocument(p.ID, expected, p)
	if err != nil {
		return err
	}
	if err := r.store.Replace(ctx, docstore.CollectionPayments, doc, expected); err != nil {
		return err
	}
	p.Version = doc.Version
	p.UpdatedAt = doc.UpdatedAt
	return nil
}

func (r *paymentRepoDoc) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, docstore.CollectionPayments, id)
}

// List runs one query per visit id when VisitIDs is set, since the store has
// no IN operator. Limit and Offset are applied to the merged result.
func (r *paymentRepoDoc) List(ctx context.Context, f ListFilter) ([]*Payment, error) {
	base := docstore.Filter{SortBy: "issued_date"}
	if f.PatientRecord != 0 {
		base.Conds = append(base.Conds, docstore.Where("patient_record", docstore.OpEq, f.PatientRecord))
	}
	if f.Status != "" {
		base.Conds = append(base.Conds, docstore.Where("status", docstore.OpEq, f.Status))
	}
	if !f.IssuedFrom.IsZero() {
		base.Conds = append(base.Conds, docstore.Where("issued_date", docstore.OpGte, f.IssuedFrom))
	}
	if !f.IssuedTo.IsZero() {
		base.Conds = append(base.Conds, docstore.Where("issued_date", docstore.OpLte, f.IssuedTo))
	}

	if f.VisitIDs == nil {
		base.Limit, base.Offset = f.Limit, f.Offset
		return r.query(ctx, base)
	}

	var out []*Payment
	for _, id := range f.VisitIDs {
		q := base
		q.Conds = append(append([]docstore.Cond(nil), base.Conds...), docstore.Where("visit_id", docstore.OpEq, id))
		items, err := r.query(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	sortByIssued(out)
	return window(out, f.Limit, f.Offset), nil
}

func (r *paymentRepoDoc) query(ctx context.Context, f docstore.Filter) ([]*Payment, error) {
	docs, err := r.store.Query(ctx, docstore.CollectionPayments, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Payment, 0, len(docs))
	for _, d := range docs {
		p, err := decodePayment(d)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func sortByIssued(items []*Payment) {
	slices.SortStableFunc(items, func(a, b *Payment) int {
		if c := a.IssuedDate.Compare(b.IssuedDate); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func window(items []*Payment, limit, offset int) []*Payment {
	if offset >= len(items) {
		return []*Payment{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/pkg/apperr"
)

// MemoryStore is an in-process Store used for tests and STORE=memory.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[string]map[string]*Document
	fault func(op, collection string) error
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		colls: make(map[string]map[string]*Document),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetFault installs a hook that can fail any operation before it runs.
func (m *MemoryStore) SetFault(fn func(op, collection string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *MemoryStore) check(ctx context.Context, op, collection string) error {
	if err := apperr.FromContext(ctx); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(op, collection)
	}
	return nil
}

func (m *MemoryStore) coll(name string) map[string]*Document {
	c, ok := m.colls[name]
	if !ok {
		c = make(map[string]*Document)
		m.colls[name] = c
	}
	return c
}

func clone(d *Document) *Document {
	cp := *d
	cp.Body = append(json.RawMessage(nil), d.Body...)
	return &cp
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "get", collection); err != nil {
		return nil, err
	}
	d, ok := m.colls[collection][id]
	if !ok {
		return nil, apperr.NotFound(collection, id)
	}
	return clone(d), nil
}

func (m *MemoryStore) Insert(ctx context.Context, collection string, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "insert", collection); err != nil {
		return err
	}
	c := m.coll(collection)
	if _, exists := c[doc.ID]; exists {
		return fmt.Errorf("%w: %s %s already exists", apperr.ErrConflict, collection, doc.ID)
	}
	doc.Version = 1
	doc.UpdatedAt = m.now()
	c[doc.ID] = clone(doc)
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, collection string, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "put", collection); err != nil {
		return err
	}
	c := m.coll(collection)
	doc.Version = 1
	if cur, ok := c[doc.ID]; ok {
		doc.Version = cur.Version + 1
	}
	doc.UpdatedAt = m.now()
	c[doc.ID] = clone(doc)
	return nil
}

func (m *MemoryStore) Replace(ctx context.Context, collection string, doc *Document, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "replace", collection); err != nil {
		return err
	}
	c := m.coll(collection)
	cur, ok := c[doc.ID]
	if !ok {
		return apperr.NotFound(collection, doc.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s %s is at version %d, expected %d",
			apperr.ErrConflict, collection, doc.ID, cur.Version, expectedVersion)
	}
	doc.Version = cur.Version + 1
	doc.UpdatedAt = m.now()
	c[doc.ID] = clone(doc)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "delete", collection); err != nil {
		return err
	}
	c := m.coll(collection)
	if _, ok := c[id]; !ok {
		return apperr.NotFound(collection, id)
	}
	delete(c, id)
	return nil
}

func (m *MemoryStore) DeleteVersion(ctx context.Context, collection, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "delete", collection); err != nil {
		return err
	}
	c := m.coll(collection)
	cur, ok := c[id]
	if !ok {
		return apperr.NotFound(collection, id)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s %s is at version %d, expected %d",
			apperr.ErrConflict, collection, id, cur.Version, expectedVersion)
	}
	delete(c, id)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, filter Filter) ([]*Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx, "query", collection); err != nil {
		return nil, err
	}

	type row struct {
		doc    *Document
		fields map[string]any
	}
	var rows []row
	for _, d := range m.colls[collection] {
		fields, err := decodeFields(d.Body)
		if err != nil {
			return nil, err
		}
		if matchAll(fields, filter.Conds) {
			rows = append(rows, row{doc: d, fields: fields})
		}
	}

	sortField := filter.SortBy
	sort.SliceStable(rows, func(i, j int) bool {
		if sortField == "" {
			return rows[i].doc.ID < rows[j].doc.ID
		}
		c := compareRaw(rows[i].fields[sortField], rows[j].fields[sortField])
		if c == 0 {
			return rows[i].doc.ID < rows[j].doc.ID
		}
		if filter.Desc {
			return c > 0
		}
		return c < 0
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	out := make([]*Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, clone(r.doc))
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx, "ping", "")
}

func decodeFields(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode document fields: %w", err)
	}
	return fields, nil
}

func matchAll(fields map[string]any, conds []Cond) bool {
	for _, c := range conds {
		raw, ok := fields[c.Field]
		if !ok || raw == nil {
			if c.Op == OpNe {
				continue
			}
			return false
		}
		cmp, ok := compareTyped(raw, c.Value)
		if !ok {
			return false
		}
		if !opHolds(c.Op, cmp) {
			return false
		}
	}
	return true
}

func opHolds(op Op, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// compareTyped compares a decoded JSON field with a condition value, using the
// value's Go type to pick the interpretation. ok is false when the field
// cannot be read as that type.
func compareTyped(raw any, value any) (int, bool) {
	switch v := normalize(value).(type) {
	case time.Time:
		s, ok := raw.(string)
		if !ok {
			return 0, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		return t.Compare(v), true
	case bool:
		b, ok := raw.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case b == v:
			return 0, true
		case !b:
			return -1, true
		default:
			return 1, true
		}
	case int, int32, int64, float64, decimal.Decimal:
		field, ok := toDecimal(raw)
		if !ok {
			return 0, false
		}
		target, _ := toDecimal(v)
		return field.Cmp(target), true
	case string:
		s, ok := raw.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(s, v), true
	}
	return 0, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	}
	return decimal.Zero, false
}

func compareRaw(a, b any) int {
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		if _, isNum := a.(json.Number); isNum {
			return da.Cmp(db)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

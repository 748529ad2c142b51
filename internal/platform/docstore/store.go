// Package docstore is the persistence port for clinic records. Records are
// stored as JSON documents grouped by collection, each carrying a revision
// number used for compare-and-swap replacement.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"time"
)

// Collection names used by the domain repositories.
const (
	CollectionPayments    = "payments"
	CollectionVisits      = "visits"
	CollectionSpecialists = "specialists"
)

// Document is a stored record.
type Document struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// NewDocument encodes v as the body of a document with the given id.
func NewDocument(id string, version int64, v any) (*Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", id, err)
	}
	return &Document{ID: id, Version: version, Body: body}, nil
}

// Op is a comparison operator in a query condition.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Cond compares a top-level body field against a value. The Go type of Value
// decides how the field is interpreted: time.Time as a timestamp, integers,
// floats and decimals as numbers, bool as boolean, anything else as text.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Where builds a condition.
func Where(field string, op Op, value any) Cond {
	return Cond{Field: field, Op: op, Value: value}
}

// Filter selects documents of a collection. All conditions must hold.
type Filter struct {
	Conds  []Cond
	SortBy string
	Desc   bool
	Limit  int
	Offset int
}

var fieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate rejects unknown operators and field names that are not plain
// identifiers.
func (f Filter) Validate() error {
	for _, c := range f.Conds {
		if !fieldPattern.MatchString(c.Field) {
			return fmt.Errorf("invalid filter field %q", c.Field)
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		default:
			return fmt.Errorf("invalid filter operator %q", c.Op)
		}
	}
	if f.SortBy != "" && !fieldPattern.MatchString(f.SortBy) {
		return fmt.Errorf("invalid sort field %q", f.SortBy)
	}
	return nil
}

// Store is the document persistence contract consumed by the repositories.
//
// Replace and DeleteVersion are the conditional writes: they succeed only when
// the stored revision equals expectedVersion and return apperr.ErrConflict
// otherwise. On a successful Replace doc.Version and doc.UpdatedAt hold the new
// revision.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Insert(ctx context.Context, collection string, doc *Document) error
	Put(ctx context.Context, collection string, doc *Document) error
	Replace(ctx context.Context, collection string, doc *Document, expectedVersion int64) error
	Delete(ctx context.Context, collection, id string) error
	// DeleteVersion removes the document only while it is still at
	// expectedVersion, returning apperr.ErrConflict otherwise.
	DeleteVersion(ctx context.Context, collection, id string, expectedVersion int64) error
	Query(ctx context.Context, collection string, filter Filter) ([]*Document, error)
	Ping(ctx context.Context) error
}

// normalize converts named string and numeric types (status enums, id types)
// to their underlying kinds so that both stores compare them uniformly.
func normalize(v any) any {
	switch v.(type) {
	case time.Time, bool, string, int, int32, int64, float64:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}

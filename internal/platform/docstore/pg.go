package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinic/clinic/pkg/apperr"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps documents in a single JSONB table (see migrations/).
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn() queryable { return s.pool }

const docCols = `id, version, body, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var body []byte
	if err := row.Scan(&d.ID, &d.Version, &body, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Body = body
	return &d, nil
}

func (s *PGStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	d, err := scanDocument(s.conn().QueryRow(ctx,
		`SELECT `+docCols+` FROM documents WHERE collection = $1 AND id = $2`, collection, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(collection, id)
	}
	if err != nil {
		return nil, mapErr(ctx, "get "+collection, err)
	}
	return d, nil
}

func (s *PGStore) Insert(ctx context.Context, collection string, doc *Document) error {
	err := s.conn().QueryRow(ctx, `
		INSERT INTO documents (collection, id, version, body)
		VALUES ($1, $2, 1, $3)
		RETURNING version, updated_at`,
		collection, doc.ID, []byte(doc.Body)).Scan(&doc.Version, &doc.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s %s already exists", apperr.ErrConflict, collection, doc.ID)
	}
	if err != nil {
		return mapErr(ctx, "insert "+collection, err)
	}
	return nil
}

func (s *PGStore) Put(ctx context.Context, collection string, doc *Document) error {
	err := s.conn().QueryRow(ctx, `
		INSERT INTO documents (collection, id, version, body)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (collection, id) DO UPDATE
			SET body = EXCLUDED.body, version = documents.version + 1, updated_at = NOW()
		RETURNING version, updated_at`,
		collection, doc.ID, []byte(doc.Body)).Scan(&doc.Version, &doc.UpdatedAt)
	if err != nil {
		return mapErr(ctx, "put "+collection, err)
	}
	return nil
}

func (s *PGStore) Replace(ctx context.Context, collection string, doc *Document, expectedVersion int64) error {
	err := s.conn().QueryRow(ctx, `
		UPDATE documents SET body = $3, version = version + 1, updated_at = NOW()
		WHERE collection = $1 AND id = $2 AND version = $4
		RETURNING version, updated_at`,
		collection, doc.ID, []byte(doc.Body), expectedVersion).Scan(&doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var current int64
		lookup := s.conn().QueryRow(ctx,
			`SELECT version FROM documents WHERE collection = $1 AND id = $2`, collection, doc.ID).Scan(&current)
		if errors.Is(lookup, pgx.ErrNoRows) {
			return apperr.NotFound(collection, doc.ID)
		}
		if lookup != nil {
			return mapErr(ctx, "replace "+collection, lookup)
		}
		return fmt.Errorf("%w: %s %s is at version %d, expected %d",
			apperr.ErrConflict, collection, doc.ID, current, expectedVersion)
	}
	if err != nil {
		return mapErr(ctx, "replace "+collection, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, collection, id string) error {
	tag, err := s.conn().Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return mapErr(ctx, "delete "+collection, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(collection, id)
	}
	return nil
}

func (s *PGStore) DeleteVersion(ctx context.Context, collection, id string, expectedVersion int64) error {
	tag, err := s.conn().Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2 AND version = $3`, collection, id, expectedVersion)
	if err != nil {
		return mapErr(ctx, "delete "+collection, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current int64
	lookup := s.conn().QueryRow(ctx,
		`SELECT version FROM documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&current)
	if errors.Is(lookup, pgx.ErrNoRows) {
		return apperr.NotFound(collection, id)
	}
	if lookup != nil {
		return mapErr(ctx, "delete "+collection, lookup)
	}
	return fmt.Errorf("%w: %s %s is at version %d, expected %d",
		apperr.ErrConflict, collection, id, current, expectedVersion)
}

func (s *PGStore) Query(ctx context.Context, collection string, filter Filter) ([]*Document, error) {
	query, args, err := buildQuery(collection, filter)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}
	rows, err := s.conn().Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(ctx, "query "+collection, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, mapErr(ctx, "scan "+collection, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, "iterate "+collection, err)
	}
	return docs, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapErr(ctx, "ping", err)
	}
	return nil
}

var sqlOps = map[Op]string{
	OpEq: "=", OpNe: "<>", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<=",
}

// buildQuery translates a Filter into SQL over the JSONB body. Field names are
// validated as identifiers before being spliced into the statement.
func buildQuery(collection string, filter Filter) (string, []any, error) {
	if err := filter.Validate(); err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString(`SELECT ` + docCols + ` FROM documents WHERE collection = $1`)

	for _, c := range filter.Conds {
		v := normalize(c.Value)
		args = append(args, sqlValue(v))
		fmt.Fprintf(&sb, " AND %s %s $%d", fieldExpr(c.Field, v), sqlOps[c.Op], len(args))
	}

	if filter.SortBy != "" {
		dir := "ASC"
		if filter.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY body->'%s' %s, id", filter.SortBy, dir)
	} else {
		sb.WriteString(" ORDER BY id")
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args, nil
}

func fieldExpr(field string, v any) string {
	switch v.(type) {
	case time.Time:
		return fmt.Sprintf("(body->>'%s')::timestamptz", field)
	case bool:
		return fmt.Sprintf("(body->>'%s')::boolean", field)
	case int, int32, int64, float64, decimal.Decimal:
		return fmt.Sprintf("(body->>'%s')::numeric", field)
	default:
		return fmt.Sprintf("body->>'%s'", field)
	}
}

func sqlValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return d.String()
	}
	return v
}

// mapErr classifies driver failures. Server-side SQL errors are bugs and are
// returned as plain errors; anything else is treated as an outage.
func mapErr(ctx context.Context, op string, err error) error {
	if ctxErr := apperr.FromContext(ctx); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", apperr.ErrTimeout, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Unavailable(op, err)
}

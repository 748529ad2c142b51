package docstore

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestBuildQuery(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sql, args, err := buildQuery(CollectionPayments, Filter{
		Conds: []Cond{
			Where("status", OpNe, label("Cancelled")),
			Where("issued_date", OpGte, start),
			Where("patient_record", OpEq, int64(1001)),
			Where("paid_amount", OpGt, decimal.RequireFromString("10.50")),
		},
		SortBy: "issued_date",
		Desc:   true,
		Limit:  20,
		Offset: 40,
	})
	if err != nil {
		t.Fatalf("buildQuery: %v", err)
	}

	for _, frag := range []string{
		"WHERE collection = $1",
		"body->>'status' <> $2",
		"(body->>'issued_date')::timestamptz >= $3",
		"(body->>'patient_record')::numeric = $4",
		"(body->>'paid_amount')::numeric > $5",
		"ORDER BY body->'issued_date' DESC, id",
		"LIMIT $6",
		"OFFSET $7",
	} {
		if !strings.Contains(sql, frag) {
			t.Errorf("expected %q in %s", frag, sql)
		}
	}

	if len(args) != 7 {
		t.Fatalf("expected 7 args, got %d", len(args))
	}
	if args[1] != "Cancelled" {
		t.Errorf("named string type should be normalized, got %T", args[1])
	}
	if args[4] != "10.5" {
		t.Errorf("decimal should be passed as text, got %v", args[4])
	}
}

func TestBuildQuery_RejectsInjection(t *testing.T) {
	_, _, err := buildQuery(CollectionVisits, Filter{SortBy: "id; DROP TABLE documents"})
	if err == nil {
		t.Fatal("expected invalid sort field to be rejected")
	}
	_, _, err = buildQuery(CollectionVisits, Filter{Conds: []Cond{{Field: "status", Op: "like", Value: "x"}}})
	if err == nil {
		t.Fatal("expected unknown operator to be rejected")
	}
}

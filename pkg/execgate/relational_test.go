package execgate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"datagate/pkg/models"
)

func TestRelationalTranslateSelect(t *testing.T) {
	t.Parallel()

	a := &RelationalAdapter{}
	q, err := a.Translate(models.ExecutionPlan{
		Operation: "select",
		Resource:  "employees",
		Columns:   []string{"id", "department"},
		Filters: []models.PlanFilter{
			{Column: "department", Op: "eq", Value: "eng"},
			{Column: "name", Op: "contains", Value: "smith"},
		},
		Limit: 50,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := `SELECT "id", "department" FROM "employees" WHERE "department" = $1 AND "name" ILIKE $2 LIMIT 50`
	if q.Statement != want {
		t.Fatalf("statement mismatch:\n got %s\nwant %s", q.Statement, want)
	}
	if len(q.Args) != 2 || q.Args[0] != "eng" || q.Args[1] != "%smith%" {
		t.Fatalf("unexpected args %v", q.Args)
	}
}

func TestRelationalTranslateAggregate(t *testing.T) {
	t.Parallel()

	a := &RelationalAdapter{}
	q, err := a.Translate(models.ExecutionPlan{
		Operation: "aggregate",
		Resource:  "employees",
		Columns:   []string{"salary"},
		Aggregate: "avg",
		GroupBy:   []string{"department"},
		Limit:     100,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := `SELECT "department", AVG("salary") AS "value" FROM "employees" GROUP BY "department" LIMIT 100`
	if q.Statement != want {
		t.Fatalf("statement mismatch:\n got %s\nwant %s", q.Statement, want)
	}

	q, err = a.Translate(models.ExecutionPlan{
		Operation: "aggregate",
		Resource:  "employees",
		Aggregate: "count",
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("translate count: %v", err)
	}
	want = `SELECT COUNT(*) AS "value" FROM "employees" LIMIT 10`
	if q.Statement != want {
		t.Fatalf("count statement mismatch:\n got %s\nwant %s", q.Statement, want)
	}
}

func TestRelationalTranslateRejects(t *testing.T) {
	t.Parallel()

	a := &RelationalAdapter{}
	if _, err := a.Translate(models.ExecutionPlan{Operation: "delete", Resource: "employees"}); err == nil {
		t.Fatal("expected error for write operation")
	}
	if _, err := a.Translate(models.ExecutionPlan{Operation: "select", Resource: "employees"}); err == nil {
		t.Fatal("expected error for select without columns")
	}
	if _, err := a.Translate(models.ExecutionPlan{
		Operation: "select",
		Resource:  "employees",
		Columns:   []string{"id"},
		Filters:   []models.PlanFilter{{Column: "id", Op: "regex", Value: ".*"}},
	}); err == nil {
		t.Fatal("expected error for unsupported filter op")
	}
}

func TestQuoteIdentEscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := quoteIdent(`emp"loyees`); got != `"emp""loyees"` {
		t.Fatalf("unexpected quoting %s", got)
	}
}

type fakeTx struct {
	pgx.Tx
	rows       pgx.Rows
	queryErr   error
	lastSQL    string
	lastArgs   []any
	rolledBack bool
}

func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL = sql
	f.lastArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeDB struct {
	tx       *fakeTx
	lastOpts pgx.TxOptions
}

func (f *fakeDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.lastOpts = opts
	return f.tx, nil
}

type fakeRows struct {
	pgx.Rows
	fields []pgconn.FieldDescription
	values [][]any
	idx    int
	closed bool
}

func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return f.fields }

func (f *fakeRows) Next() bool {
	if f.idx >= len(f.values) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Values() ([]any, error) { return f.values[f.idx-1], nil }
func (f *fakeRows) Err() error             { return nil }
func (f *fakeRows) Close()                 { f.closed = true }

func TestRelationalRunReadOnly(t *testing.T) {
	t.Parallel()

	rows := &fakeRows{
		fields: []pgconn.FieldDescription{{Name: "id"}, {Name: "department"}},
		values: [][]any{{"e1", "eng"}, {"e2", "sales"}},
	}
	tx := &fakeTx{rows: rows}
	db := &fakeDB{tx: tx}
	a := &RelationalAdapter{DB: db}

	out, err := a.Run(context.Background(), NativeQuery{
		Statement: `SELECT "id", "department" FROM "employees" LIMIT 10`,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if db.lastOpts.AccessMode != pgx.ReadOnly {
		t.Fatal("expected read-only transaction")
	}
	if len(out) != 2 || out[0]["id"] != "e1" || out[1]["department"] != "sales" {
		t.Fatalf("unexpected rows %v", out)
	}
	if !rows.closed || !tx.rolledBack {
		t.Fatal("expected rows closed and tx rolled back")
	}
}

func TestDocumentAdapterRoundTrip(t *testing.T) {
	t.Parallel()

	var gotBody documentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/find" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(documentResponse{Rows: []map[string]any{{"id": "d1"}}})
	}))
	defer srv.Close()

	a := &DocumentAdapter{BaseURL: srv.URL}
	q, err := a.Translate(models.ExecutionPlan{
		Operation: "select",
		Resource:  "tickets",
		Columns:   []string{"id"},
		Filters:   []models.PlanFilter{{Column: "status", Op: "EQ", Value: "open"}},
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	rows, err := a.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "d1" {
		t.Fatalf("unexpected rows %v", rows)
	}
	if gotBody.Resource != "tickets" || len(gotBody.Filters) != 1 || gotBody.Filters[0].Op != "eq" {
		t.Fatalf("unexpected forwarded request %+v", gotBody)
	}
}

func TestDocumentAdapterErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad find", 422)
	}))
	defer srv.Close()

	a := &DocumentAdapter{BaseURL: srv.URL}
	if _, err := a.Run(context.Background(), NativeQuery{Statement: "{}"}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

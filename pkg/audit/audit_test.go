package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	execSQL   string
	execArgs  []any
	querySQL  string
	queryArgs []any
	rows      *fakeAuditRows
	queryErr  error
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	f.querySQL = sql
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	_ = args
	return nil
}

type fakeAuditRows struct {
	pgx.Rows
	values [][]any
	idx    int
}

func (f *fakeAuditRows) Next() bool {
	if f.idx >= len(f.values) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeAuditRows) Scan(dest ...any) error {
	row := f.values[f.idx-1]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *json.RawMessage:
			*d = v.(json.RawMessage)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func (f *fakeAuditRows) Err() error { return nil }
func (f *fakeAuditRows) Close()     {}

func TestAppendFillsDefaults(t *testing.T) {
	t.Parallel()

	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	payload := json.RawMessage(`{"category":"DATA_QUERY","confidence":0.91}`)

	auditID, err := w.Append(context.Background(), Record{
		RequestID: "req-1",
		Stage:     StageClassification,
		Tenant:    "t1",
		Outcome:   "classified",
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if auditID == "" {
		t.Fatal("expected generated audit id")
	}
	if len(db.execArgs) != 10 {
		t.Fatalf("expected 10 insert args, got %d", len(db.execArgs))
	}
	if db.execArgs[1] != "req-1" || db.execArgs[2] != StageClassification {
		t.Fatalf("unexpected insert args %v", db.execArgs)
	}
	if hash, ok := db.execArgs[8].(string); !ok || hash == "" {
		t.Fatal("expected payload hash to be computed")
	}
	if created, ok := db.execArgs[9].(time.Time); !ok || created.IsZero() {
		t.Fatal("expected created_at to be filled")
	}
}

func TestAppendRedactsSensitiveFields(t *testing.T) {
	t.Parallel()

	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt"), Redact: true}
	payload := json.RawMessage(`{"query_text":"list salaries","category":"DATA_QUERY"}`)

	if _, err := w.Append(context.Background(), Record{
		RequestID: "req-2",
		Stage:     StageClassification,
		Payload:   payload,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	stored, ok := db.execArgs[7].(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload arg, got %T", db.execArgs[7])
	}
	if strings.Contains(string(stored), "list salaries") {
		t.Fatalf("query text survived redaction: %s", stored)
	}
	if !strings.Contains(string(stored), "query_text_hash") {
		t.Fatalf("expected query_text_hash in %s", stored)
	}
	if !strings.Contains(string(stored), "DATA_QUERY") {
		t.Fatalf("category should stay readable: %s", stored)
	}
	// Hash of the unredacted payload is preserved.
	if hash := db.execArgs[8].(string); hash == "" {
		t.Fatal("expected payload hash of original payload")
	}
}

func TestSubjectHashStableAndSalted(t *testing.T) {
	t.Parallel()

	w1 := &Writer{HashSalt: []byte("a")}
	w2 := &Writer{HashSalt: []byte("b")}
	if w1.SubjectHash("alice") != w1.SubjectHash("alice") {
		t.Fatal("expected stable hash")
	}
	if w1.SubjectHash("alice") == w2.SubjectHash("alice") {
		t.Fatal("expected salt to change hash")
	}
	if w1.SubjectHash("alice") == "alice" {
		t.Fatal("hash must not be the subject")
	}
}

func TestListScopesByTenant(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	db := &fakeAuditDB{rows: &fakeAuditRows{values: [][]any{
		{"a1", "req-1", StageClassification, "t1", "subj", "classified", "", json.RawMessage(`{}`), "h1", now},
		{"a2", "req-1", StageDecision, "t1", "subj", "DENY", "OUT_OF_SCOPE", json.RawMessage(`{}`), "h2", now},
	}}}
	w := &Writer{DB: db}

	recs, err := w.List(context.Background(), "req-1", "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[1].Stage != StageDecision {
		t.Fatalf("unexpected records %+v", recs)
	}
	if len(db.queryArgs) != 2 || db.queryArgs[1] != "t1" {
		t.Fatalf("expected tenant filter args, got %v", db.queryArgs)
	}
	if !strings.Contains(db.querySQL, "tenant=$2") {
		t.Fatalf("expected tenant clause in %s", db.querySQL)
	}
}

func TestListDecisionsParsesCategory(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	db := &fakeAuditDB{rows: &fakeAuditRows{values: [][]any{
		{"req-9", json.RawMessage(`{"category":"ANALYSIS","outcome":"ALLOW_WITH_AUTH"}`), "ALLOW_WITH_AUTH", "OK", now},
	}}}
	w := &Writer{DB: db}

	summaries, err := w.ListDecisions(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Category != "ANALYSIS" {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
}

func TestRedactPayloadInvalidJSON(t *testing.T) {
	t.Parallel()

	out := redactPayload(json.RawMessage(`{not json`), []byte("salt"))
	if !strings.Contains(string(out), "redaction_error") {
		t.Fatalf("expected redaction_error marker, got %s", out)
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"datagate/pkg/models"
)

func TestClassifyByKeyword(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want string
	}{
		{"please drop the users table", models.CategoryOutOfScope},
		{"what is my password", models.CategoryOutOfScope},
		{"average salary per department", models.CategoryAnalysis},
		{"list employees in sales", models.CategoryDataQuery},
		{"what is a foreign key?", models.CategorySafeKnowledge},
	}
	for _, tc := range cases {
		if got := classifyByKeyword(tc.text); got.Category != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.text, tc.want, got.Category)
		}
	}
}

func TestPlanFromTemplate(t *testing.T) {
	t.Parallel()

	plan := planFromTemplate("average salary per department", models.CategoryAnalysis)
	if plan.Operation != "aggregate" || plan.Aggregate != "avg" || len(plan.GroupBy) != 1 {
		t.Fatalf("unexpected aggregate plan %+v", plan)
	}

	plan = planFromTemplate("list orders by region", models.CategoryDataQuery)
	if plan.Resource != "orders" || plan.Operation != "select" {
		t.Fatalf("unexpected orders plan %+v", plan)
	}

	plan = planFromTemplate("show employee salaries", models.CategoryDataQuery)
	found := false
	for _, c := range plan.Columns {
		if c == "salary" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected salary column in plan %+v", plan)
	}
}

func TestHandlersRoundTrip(t *testing.T) {
	t.Setenv("ADDR", "127.0.0.1:0")
	var captured *http.Server
	err := runModelMock(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(server *http.Server) error {
			captured = server
			return nil
		},
	)
	if err != nil {
		t.Fatalf("runModelMock: %v", err)
	}
	h := captured.Handler

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/classify", strings.NewReader(`{"text":"list employees"}`)))
	if rec.Code != 200 {
		t.Fatalf("classify: expected 200, got %d", rec.Code)
	}
	var in models.Intent
	if err := json.Unmarshal(rec.Body.Bytes(), &in); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if in.Category != models.CategoryDataQuery || in.Confidence <= 0 {
		t.Fatalf("unexpected intent %+v", in)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/plan", strings.NewReader(`{"query":"list employees","category":"DATA_QUERY"}`)))
	if rec.Code != 200 {
		t.Fatalf("plan: expected 200, got %d", rec.Code)
	}
	var plan models.ExecutionPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.Resource != "employees" || plan.SourceID != "warehouse" {
		t.Fatalf("unexpected plan %+v", plan)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/classify", strings.NewReader("{")))
	if rec.Code != 400 {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

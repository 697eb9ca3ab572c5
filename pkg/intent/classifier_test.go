package intent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"datagate/pkg/models"
)

func TestSanitizeCoercesUnknownCategory(t *testing.T) {
	got := Sanitize(models.Intent{Category: "DROP_TABLES", Confidence: 0.99})
	if got.Category != models.CategoryOutOfScope {
		t.Fatalf("expected OUT_OF_SCOPE, got %s", got.Category)
	}
	if got.Confidence != 0 {
		t.Fatalf("expected confidence 0, got %f", got.Confidence)
	}
}

func TestSanitizeClampsConfidence(t *testing.T) {
	got := Sanitize(models.Intent{Category: "data_query", Confidence: 1.7})
	if got.Category != models.CategoryDataQuery {
		t.Fatalf("expected DATA_QUERY, got %s", got.Category)
	}
	if got.Confidence != 1 {
		t.Fatalf("expected clamp to 1, got %f", got.Confidence)
	}
	got = Sanitize(models.Intent{Category: models.CategorySafeKnowledge, Confidence: -0.3})
	if got.Confidence != 0 {
		t.Fatalf("expected clamp to 0, got %f", got.Confidence)
	}
}

func TestBoundContext(t *testing.T) {
	turns := []models.Turn{
		{Role: "user", Text: "one"},
		{Role: "assistant", Text: "two"},
		{Role: "user", Text: strings.Repeat("x", 100)},
	}
	out := BoundContext(turns, 2, 10)
	if len(out) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(out))
	}
	if out[0].Text != "two" {
		t.Fatalf("expected most recent turns kept, got %q", out[0].Text)
	}
	if len(out[1].Text) != 10 {
		t.Fatalf("expected turn truncated to 10 bytes, got %d", len(out[1].Text))
	}
	if BoundContext(turns, 0, 10) != nil {
		t.Fatal("expected nil context for zero turn budget")
	}
}

func TestHTTPClassifierHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"category":"ANALYSIS","confidence":0.92,"rationale":"aggregation request"}`))
	}))
	defer srv.Close()
	c := HTTPClassifier{Client: srv.Client(), Endpoint: srv.URL}
	got := c.Classify(context.Background(), "show variance by cost center", nil)
	if got.Category != models.CategoryAnalysis || got.Confidence != 0.92 {
		t.Fatalf("unexpected intent %+v", got)
	}
}

func TestHTTPClassifierFailClosedOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()
	c := HTTPClassifier{Client: srv.Client(), Endpoint: srv.URL}
	got := c.Classify(context.Background(), "anything", nil)
	if got.Category != models.CategoryOutOfScope || got.Confidence != 0 {
		t.Fatalf("expected fail-closed intent, got %+v", got)
	}
}

func TestHTTPClassifierFailClosedOnMalformedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"category":`))
	}))
	defer srv.Close()
	c := HTTPClassifier{Client: srv.Client(), Endpoint: srv.URL}
	got := c.Classify(context.Background(), "anything", nil)
	if got.Category != models.CategoryOutOfScope {
		t.Fatalf("expected OUT_OF_SCOPE, got %+v", got)
	}
}

func TestHTTPClassifierFailClosedOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := HTTPClassifier{Client: srv.Client(), Endpoint: srv.URL, Timeout: 10 * time.Millisecond}
	got := c.Classify(context.Background(), "anything", nil)
	if got.Category != models.CategoryOutOfScope || got.Confidence != 0 {
		t.Fatalf("expected fail-closed intent, got %+v", got)
	}
}

func TestHTTPClassifierNoEndpoint(t *testing.T) {
	c := HTTPClassifier{}
	if got := c.Classify(context.Background(), "anything", nil); got.Category != models.CategoryOutOfScope {
		t.Fatalf("expected OUT_OF_SCOPE, got %+v", got)
	}
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"datagate/pkg/httpx"
	"datagate/pkg/models"
	"datagate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runModelMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// classifyByKeyword is a stand-in for the real model: crude keyword
// matching, confidence hardcoded per bucket. Good enough to exercise the
// gateway end to end.
func classifyByKeyword(text string) models.Intent {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "delete", "drop", "truncate", "update", "insert", "password", "credential"):
		return models.Intent{Category: models.CategoryOutOfScope, Confidence: 0.99, Rationale: "mutation or credential request"}
	case containsAny(lower, "average", "sum", "count", "total", "group", "per department", "breakdown"):
		return models.Intent{Category: models.CategoryAnalysis, Confidence: 0.85, Rationale: "aggregate keywords"}
	case containsAny(lower, "list", "show", "find", "which", "who", "records", "rows", "employees", "orders"):
		return models.Intent{Category: models.CategoryDataQuery, Confidence: 0.9, Rationale: "retrieval keywords"}
	default:
		return models.Intent{Category: models.CategorySafeKnowledge, Confidence: 0.8, Rationale: "no data keywords"}
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	httpx.WriteJSON(w, 200, classifyByKeyword(req.Text))
}

// planFromTemplate picks a canned plan by keyword. The gateway treats the
// output as untrusted either way, so the templates deliberately include
// sensitive columns.
func planFromTemplate(query, category string) models.ExecutionPlan {
	lower := strings.ToLower(query)
	if category == models.CategoryAnalysis || containsAny(lower, "average", "sum", "count", "per department") {
		agg := "count"
		target := []string{"id"}
		if containsAny(lower, "average", "avg") {
			agg = "avg"
			target = []string{"salary"}
		} else if strings.Contains(lower, "sum") {
			agg = "sum"
			target = []string{"salary"}
		}
		return models.ExecutionPlan{
			SourceID:  "warehouse",
			Operation: "aggregate",
			Resource:  "employees",
			Columns:   target,
			Aggregate: agg,
			GroupBy:   []string{"department"},
			Limit:     100,
		}
	}
	if containsAny(lower, "order", "customer", "region") {
		return models.ExecutionPlan{
			SourceID:  "warehouse",
			Operation: "select",
			Resource:  "orders",
			Columns:   []string{"id", "customer", "region", "total_cents"},
			Limit:     50,
		}
	}
	plan := models.ExecutionPlan{
		SourceID:  "warehouse",
		Operation: "select",
		Resource:  "employees",
		Columns:   []string{"id", "name", "department"},
		Limit:     50,
	}
	if containsAny(lower, "salary", "pay", "compensation") {
		plan.Columns = append(plan.Columns, "salary")
	}
	return plan
}

func handlePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query    string `json:"query"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid request body")
		return
	}
	httpx.WriteJSON(w, 200, planFromTemplate(req.Query, req.Category))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runModelMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "model-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("model-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "model-mock"})
	})
	r.Post("/v1/classify", handleClassify)
	r.Post("/v1/plan", handlePlan)

	addr := env("ADDR", ":8092")
	log.Printf("model-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"datagate/pkg/httpx"
	"datagate/pkg/models"
	"datagate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Store holds every published snapshot version per source. Old versions
// stay retrievable so pinned requests keep working across refreshes.
type Store struct {
	mu       sync.Mutex
	versions map[string]map[string]models.SchemaSnapshot
	latest   map[string]string
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runCatalogMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func (s *Store) publish(snap models.SchemaSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions[snap.SourceID] == nil {
		s.versions[snap.SourceID] = map[string]models.SchemaSnapshot{}
	}
	s.versions[snap.SourceID][snap.Version] = snap
	s.latest[snap.SourceID] = snap.Version
}

func (s *Store) get(sourceID, version string) (models.SchemaSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.versions[sourceID]
	if !ok {
		return models.SchemaSnapshot{}, false
	}
	if version == "" {
		version = s.latest[sourceID]
	}
	snap, ok := byVersion[version]
	return snap, ok
}

func (s *Store) getSnapshot(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	snap, ok := s.get(sourceID, r.URL.Query().Get("version"))
	if !ok {
		httpx.Error(w, 404, "unknown snapshot")
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Store) putSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap models.SchemaSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		httpx.Error(w, 400, "invalid snapshot body")
		return
	}
	snap.SourceID = chi.URLParam(r, "source_id")
	if snap.Version == "" {
		httpx.Error(w, 400, "version is required")
		return
	}
	if snap.CreatedAt == "" {
		snap.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	s.publish(snap)
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "source_id": snap.SourceID, "version": snap.Version})
}

func seedSnapshot(version string) models.SchemaSnapshot {
	return models.SchemaSnapshot{
		SourceID: "warehouse",
		Family:   "relational",
		Version:  version,
		Resources: []models.Resource{
			{
				Name:  "employees",
				Class: "hr",
				Owner: "people-ops",
				Columns: []models.Column{
					{Name: "id", Type: "text"},
					{Name: "name", Type: "text", Sensitivity: []string{"PII"}},
					{Name: "department", Type: "text"},
					{Name: "salary", Type: "numeric", Sensitivity: []string{"PII", "FINANCE"}},
					{Name: "hired_at", Type: "date"},
				},
			},
			{
				Name:  "orders",
				Class: "sales",
				Owner: "revenue",
				Columns: []models.Column{
					{Name: "id", Type: "text"},
					{Name: "customer", Type: "text"},
					{Name: "region", Type: "text"},
					{Name: "total_cents", Type: "bigint"},
					{Name: "placed_at", Type: "timestamptz"},
				},
			},
		},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
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

func runCatalogMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "catalog-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	store := &Store{
		versions: map[string]map[string]models.SchemaSnapshot{},
		latest:   map[string]string{},
	}
	store.publish(seedSnapshot(fmt.Sprintf("v%d", envInt("SEED_VERSION", 1))))

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("catalog-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "catalog-mock"})
	})
	r.Get("/v1/snapshots/{source_id}", store.getSnapshot)
	r.Put("/v1/snapshots/{source_id}", store.putSnapshot)

	addr := env("ADDR", ":8091")
	log.Printf("catalog-mock listening on %s", addr)
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

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"datagate/pkg/audit"
	"datagate/pkg/auth"
	"datagate/pkg/catalog"
	"datagate/pkg/execgate"
	"datagate/pkg/httpx"
	"datagate/pkg/intent"
	"datagate/pkg/metrics"
	"datagate/pkg/planner"
	"datagate/pkg/policy"
	"datagate/pkg/ratelimit"
	"datagate/pkg/store"
	"datagate/pkg/stream"
	"datagate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Server struct {
	Audit      *audit.Writer
	Metrics    *metrics.Registry
	Events     *stream.Hub
	Classifier intent.Classifier
	Planner    planner.Generator
	Snapshots  *catalog.PinnedStore
	Gateway    *execgate.Gateway
	Policy     policy.Table

	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int

	AuthMode            string
	AuthSecret          string
	DefaultSourceID     string
	MaxRequestBodyBytes int64
	ExecRetryDelay      time.Duration
	TrustProxyHeaders   bool
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (gatewayDB, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGateway(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (gatewayDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (gatewayDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	table, err := policy.Load(env("POLICY_TABLE_PATH", "policy.json"))
	if err != nil {
		return err
	}

	authMode := env("AUTH_MODE", "oidc_hs256")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: envDurationSec("UPSTREAM_TIMEOUT_SEC", 10)})
	upstreamRetries := envInt("UPSTREAM_RETRIES", 1)
	upstreamRetryDelay := time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 200))

	var redisClient *redis.Client
	if env("REDIS_ENABLED", "true") == "true" {
		if rc, err := store.NewRedis(ctx); err == nil {
			redisClient = rc
			defer func() { _ = rc.Close() }()
		} else {
			log.Printf("gateway redis unavailable, using in-process fallbacks: %v", err)
		}
	}

	catalogClient := catalog.HTTPClient{
		Client:     httpClient,
		BaseURL:    strings.TrimRight(env("CATALOG_URL", "http://localhost:8091"), "/"),
		Headers:    authHeaderMap(env("CATALOG_AUTH_HEADER", ""), env("CATALOG_AUTH_TOKEN", "")),
		Retries:    upstreamRetries,
		RetryDelay: upstreamRetryDelay,
	}
	snapshots := catalog.NewPinnedStore(catalogClient, envDurationSec("SNAPSHOT_LATEST_TTL_SEC", 30))
	if redisClient != nil {
		snapshots.UseSharedCache(store.NewCache(ctx, redisClient), envDurationSec("SNAPSHOT_CACHE_TTL_SEC", 86400))
	}

	s := &Server{
		Audit: &audit.Writer{
			DB:       db,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		},
		Metrics:    metrics.NewRegistry(),
		Events:     stream.NewHub(),
		Classifier: &intent.HTTPClassifier{
			Client:     httpClient,
			Endpoint:   env("MODEL_URL", "") + "/v1/classify",
			Headers:    authHeaderMap(env("MODEL_AUTH_HEADER", ""), env("MODEL_AUTH_TOKEN", "")),
			Timeout:    envDurationSec("CLASSIFIER_TIMEOUT_SEC", 2),
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
		},
		Planner: planner.HTTPGenerator{
			Client:     httpClient,
			Endpoint:   env("MODEL_URL", "") + "/v1/plan",
			Headers:    authHeaderMap(env("MODEL_AUTH_HEADER", ""), env("MODEL_AUTH_TOKEN", "")),
			Timeout:    envDurationSec("PLANNER_TIMEOUT_SEC", 5),
			Retries:    0,
			RetryDelay: upstreamRetryDelay,
		},
		Snapshots:           snapshots,
		Policy:              table,
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 60),
		AuthMode:            authMode,
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		DefaultSourceID:     env("DEFAULT_SOURCE_ID", "warehouse"),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ExecRetryDelay:      time.Millisecond * time.Duration(envInt("EXEC_RETRY_DELAY_MS", 100)),
		TrustProxyHeaders:   env("TRUST_PROXY_HEADERS", "false") == "true",
	}

	adapters := map[string]execgate.Adapter{
		"relational": &execgate.RelationalAdapter{DB: db},
	}
	if docURL := strings.TrimSpace(env("DOCUMENT_STORE_URL", "")); docURL != "" {
		adapters["document"] = &execgate.DocumentAdapter{
			Client:     httpClient,
			BaseURL:    strings.TrimRight(docURL, "/"),
			Headers:    authHeaderMap(env("DOCUMENT_AUTH_HEADER", ""), env("DOCUMENT_AUTH_TOKEN", "")),
			Retries:    upstreamRetries,
			RetryDelay: upstreamRetryDelay,
		}
	}
	s.Gateway = &execgate.Gateway{
		Adapters: adapters,
		Timeout:  envDurationSec("EXEC_TIMEOUT_SEC", 10),
		MaxRows:  envInt("EXEC_MAX_ROWS", 1000),
	}

	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := catalog.NewKafkaConsumer(catalog.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "datagate.catalog.refresh"),
			GroupID: env("KAFKA_GROUP_ID", "datagate-gateway"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
		feed := &catalog.Feed{Bus: consumer, Store: snapshots}
		go feed.Run(context.Background())
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(authTimeout),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/query", s.handleQuery)
	authRouter.Get("/v1/audit/{request_id}", s.withRoles(s.getAudit, "auditor", "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/decisions", s.withRoles(s.listDecisions, "auditor", "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/policy", s.withRoles(s.getPolicy, "auditor", "complianceofficer", "securityadmin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "auditor", "complianceofficer", "securityadmin"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8090")
	log.Printf("gateway listening on %s", addr)
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

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP keys the rate limiter for unauthenticated callers. Forwarded
// headers are attacker-controlled unless a trusted proxy strips them, so
// they only count when TrustProxyHeaders is set.
func (s *Server) clientIP(r *http.Request) string {
	if s.TrustProxyHeaders {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func authHeaderMap(header, token string) map[string]string {
	header = strings.TrimSpace(header)
	token = strings.TrimSpace(token)
	if header == "" || token == "" {
		return nil
	}
	return map[string]string{header: token}
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
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

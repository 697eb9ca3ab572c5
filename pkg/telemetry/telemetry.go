package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const defaultServiceName = "datagate"

type exporterConfig struct {
	endpoint string
	headers  map[string]string
	timeout  time.Duration
	insecure bool
	required bool
}

func exporterConfigFromEnv() exporterConfig {
	timeoutSec := 5
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			timeoutSec = n
		}
	}
	return exporterConfig{
		endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		headers:  parseHeaderList(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		timeout:  time.Duration(timeoutSec) * time.Second,
		insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		required: os.Getenv("OTEL_REQUIRED") == "true",
	}
}

// Init configures global OpenTelemetry tracing. Without an OTLP endpoint
// it still installs a local tracer provider so trace context propagates.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	cfg := exporterConfigFromEnv()
	sampler := samplerFromEnv()
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(orDefaultService(serviceName)),
	))

	if cfg.endpoint == "" {
		return installProvider(res, sampler, nil), nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.endpoint),
		otlptracehttp.WithTimeout(cfg.timeout),
	}
	if cfg.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return installProvider(res, sampler, nil), nil
	}
	return installProvider(res, sampler, exporter), nil
}

func installProvider(res *resource.Resource, sampler trace.Sampler, exporter trace.SpanExporter) func(context.Context) error {
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}
	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}

func samplerFromEnv() trace.Sampler {
	name := strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER")))
	ratio := 1.0
	if raw := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); raw != "" {
		if val, err := strconv.ParseFloat(raw, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(orDefaultService(serviceName))
}

// InstrumentClient wraps an HTTP client's transport with OTel tracing.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func orDefaultService(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultServiceName
}

// parseHeaderList parses the W3C-style "k1=v1,k2=v2" header env format.
func parseHeaderList(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			out[key] = strings.TrimSpace(val)
		}
	}
	return out
}

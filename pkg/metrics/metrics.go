package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics store. Counters are keyed by the
// pipeline's own vocabulary: outcomes, reason codes and stages.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcome       map[string]int64
	reason        map[string]int64
	outcomeReason map[string]int64
	gauges        map[string]float64
	maskedColumns int64
	rowsReturned  int64
	truncated     int64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Outcomes      map[string]int64        `json:"outcomes"`
	Reasons       map[string]int64        `json:"reasons"`
	OutcomeReason map[string]int64        `json:"outcome_reason"`
	Gauges        map[string]float64      `json:"gauges"`
	MaskedColumns int64                   `json:"masked_columns_total"`
	RowsReturned  int64                   `json:"rows_returned_total"`
	Truncated     int64                   `json:"truncated_results_total"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		outcome:       map[string]int64{},
		reason:        map[string]int64{},
		outcomeReason: map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// ObserveStage records the latency of one pipeline stage.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	r.Histograms.ObserveDuration("stage_"+stage, d)
}

func (r *Registry) IncOutcome(outcome, reason string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "UNKNOWN"
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.reason[reason]++
	r.outcomeReason[outcome+"|"+reason]++
	r.mu.Unlock()
}

func (r *Registry) AddRowsReturned(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.rowsReturned += int64(n)
	r.mu.Unlock()
}

func (r *Registry) AddMaskedColumns(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.maskedColumns += int64(n)
	r.mu.Unlock()
}

func (r *Registry) IncTruncated() {
	r.mu.Lock()
	r.truncated++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:      make(map[string]int64, len(r.outcome)),
		Reasons:       make(map[string]int64, len(r.reason)),
		OutcomeReason: make(map[string]int64, len(r.outcomeReason)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		MaskedColumns: r.maskedColumns,
		RowsReturned:  r.rowsReturned,
		Truncated:     r.truncated,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.outcomeReason {
		out.OutcomeReason[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP datagate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE datagate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "datagate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP datagate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE datagate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "datagate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP datagate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE datagate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "datagate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP datagate_outcome_total decisions by outcome\n")
		b.WriteString("# TYPE datagate_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "datagate_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP datagate_reason_total decisions by reason code\n")
		b.WriteString("# TYPE datagate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "datagate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP datagate_decision_total decisions by outcome and reason\n")
		b.WriteString("# TYPE datagate_decision_total counter\n")
		for _, key := range SortedKeys(snap.OutcomeReason) {
			parts := strings.SplitN(key, "|", 2)
			outcome := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "datagate_decision_total{outcome=%q,reason=%q} %d\n", outcome, reason, snap.OutcomeReason[key])
		}
		b.WriteString("# HELP datagate_rows_returned_total rows returned by the execution gateway\n")
		b.WriteString("# TYPE datagate_rows_returned_total counter\n")
		fmt.Fprintf(b, "datagate_rows_returned_total %d\n", snap.RowsReturned)
		b.WriteString("# HELP datagate_masked_columns_total columns masked in results\n")
		b.WriteString("# TYPE datagate_masked_columns_total counter\n")
		fmt.Fprintf(b, "datagate_masked_columns_total %d\n", snap.MaskedColumns)
		b.WriteString("# HELP datagate_truncated_results_total results cut at the row cap\n")
		b.WriteString("# TYPE datagate_truncated_results_total counter\n")
		fmt.Fprintf(b, "datagate_truncated_results_total %d\n", snap.Truncated)
		b.WriteString("# HELP datagate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE datagate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "datagate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP datagate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE datagate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "datagate_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "datagate_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "datagate_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "datagate_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "datagate_latency_p95_seconds{name=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package execgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"datagate/pkg/httpx"
	"datagate/pkg/models"
)

// DocumentAdapter runs plans against a document store's query service over
// HTTP. The store's own query language never appears here; the service
// accepts the same restricted find shape the validator admits.
type DocumentAdapter struct {
	Client     *http.Client
	BaseURL    string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type documentRequest struct {
	Resource  string          `json:"resource"`
	Operation string          `json:"operation"`
	Columns   []string        `json:"columns,omitempty"`
	Filters   []documentMatch `json:"filters,omitempty"`
	Aggregate string          `json:"aggregate,omitempty"`
	GroupBy   []string        `json:"group_by,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

type documentMatch struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

type documentResponse struct {
	Rows []map[string]any `json:"rows"`
}

func (a *DocumentAdapter) Translate(plan models.ExecutionPlan) (NativeQuery, error) {
	if plan.Operation != "select" && plan.Operation != "aggregate" {
		return NativeQuery{}, fmt.Errorf("unsupported operation %q", plan.Operation)
	}
	req := documentRequest{
		Resource:  plan.Resource,
		Operation: plan.Operation,
		Columns:   plan.Columns,
		Aggregate: strings.ToLower(plan.Aggregate),
		GroupBy:   plan.GroupBy,
		Limit:     plan.Limit,
	}
	for _, f := range plan.Filters {
		req.Filters = append(req.Filters, documentMatch{Field: f.Column, Op: strings.ToLower(f.Op), Value: f.Value})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return NativeQuery{}, err
	}
	return NativeQuery{Statement: string(body)}, nil
}

func (a *DocumentAdapter) Run(ctx context.Context, q NativeQuery) ([]map[string]any, error) {
	if a.BaseURL == "" {
		return nil, fmt.Errorf("document adapter base url not configured")
	}
	status, body, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, strings.TrimRight(a.BaseURL, "/")+"/v1/find", []byte(q.Statement), a.Headers, a.Retries, a.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("document store returned status %d", status)
	}
	var resp documentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("document store response: %w", err)
	}
	return resp.Rows, nil
}

package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"datagate/pkg/httpx"
	"datagate/pkg/models"
)

// Generator produces a candidate execution plan from the raw query. The
// output is untrusted: the authorized scope is passed as a hint only, and
// enforcement belongs to the validator, never here.
type Generator interface {
	Generate(ctx context.Context, query string, in models.Intent, scope []string) (models.ExecutionPlan, error)
}

// ErrUnavailable marks transport-level generator failures.
var ErrUnavailable = errors.New("plan generator unavailable")

// HTTPGenerator calls an external generative service.
type HTTPGenerator struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

type generateRequest struct {
	Query     string   `json:"query"`
	Category  string   `json:"category"`
	ScopeHint []string `json:"scope_hint,omitempty"`
}

func (g HTTPGenerator) Generate(ctx context.Context, query string, in models.Intent, scope []string) (models.ExecutionPlan, error) {
	if g.Endpoint == "" {
		return models.ExecutionPlan{}, fmt.Errorf("%w: endpoint not configured", ErrUnavailable)
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Query: query, Category: in.Category, ScopeHint: scope})
	if err != nil {
		return models.ExecutionPlan{}, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, g.Client, http.MethodPost, g.Endpoint, body, g.Headers, g.Retries, g.RetryDelay)
	if err != nil {
		return models.ExecutionPlan{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK {
		return models.ExecutionPlan{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var plan models.ExecutionPlan
	if err := json.Unmarshal(respBody, &plan); err != nil {
		return models.ExecutionPlan{}, fmt.Errorf("%w: malformed plan", ErrUnavailable)
	}
	return plan, nil
}

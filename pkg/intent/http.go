package intent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"datagate/pkg/httpx"
	"datagate/pkg/models"
)

// HTTPClassifier calls an external model service. The service output is
// untrusted; every response passes through Sanitize and every failure mode
// resolves to the fail-closed intent.
type HTTPClassifier struct {
	Client       *http.Client
	Endpoint     string
	Headers      map[string]string
	Timeout      time.Duration
	Retries      int
	RetryDelay   time.Duration
	MaxTurns     int
	MaxTurnBytes int
}

type classifyRequest struct {
	Text    string        `json:"text"`
	Context []models.Turn `json:"context,omitempty"`
}

func (c HTTPClassifier) Classify(ctx context.Context, text string, turns []models.Turn) models.Intent {
	if c.Endpoint == "" {
		return FailClosed("classifier endpoint not configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTurns := c.MaxTurns
	if maxTurns == 0 {
		maxTurns = 8
	}
	maxTurnBytes := c.MaxTurnBytes
	if maxTurnBytes == 0 {
		maxTurnBytes = 4096
	}
	body, err := json.Marshal(classifyRequest{Text: text, Context: BoundContext(turns, maxTurns, maxTurnBytes)})
	if err != nil {
		return FailClosed("request encoding failed")
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.Client, http.MethodPost, c.Endpoint, body, c.Headers, c.Retries, c.RetryDelay)
	if err != nil {
		return FailClosed("classifier unavailable")
	}
	if status != http.StatusOK {
		return FailClosed("classifier error status")
	}
	var raw models.Intent
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return FailClosed("malformed classifier output")
	}
	return Sanitize(raw)
}

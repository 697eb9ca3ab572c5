package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"datagate/pkg/httpx"
	"datagate/pkg/models"
)

// Client reads versioned schema snapshots from the external catalog. The
// catalog is the only writer; the pipeline never mutates schema metadata.
type Client interface {
	// Snapshot returns the catalog's current snapshot for a source.
	Snapshot(ctx context.Context, sourceID string) (models.SchemaSnapshot, error)
	// SnapshotVersion returns one explicit version, for pinning.
	SnapshotVersion(ctx context.Context, sourceID, version string) (models.SchemaSnapshot, error)
}

var ErrNotFound = errors.New("snapshot not found")

// HTTPClient talks to the schema catalog service.
type HTTPClient struct {
	Client     *http.Client
	BaseURL    string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (c HTTPClient) Snapshot(ctx context.Context, sourceID string) (models.SchemaSnapshot, error) {
	return c.fetch(ctx, sourceID, "")
}

func (c HTTPClient) SnapshotVersion(ctx context.Context, sourceID, version string) (models.SchemaSnapshot, error) {
	return c.fetch(ctx, sourceID, version)
}

func (c HTTPClient) fetch(ctx context.Context, sourceID, version string) (models.SchemaSnapshot, error) {
	if c.BaseURL == "" {
		return models.SchemaSnapshot{}, errors.New("catalog base url not configured")
	}
	endpoint := c.BaseURL + "/v1/snapshots/" + url.PathEscape(sourceID)
	if version != "" {
		endpoint += "?version=" + url.QueryEscape(version)
	}
	status, body, err := httpx.RequestJSON(ctx, c.Client, http.MethodGet, endpoint, nil, c.Headers, c.Retries, c.RetryDelay)
	if err != nil {
		return models.SchemaSnapshot{}, fmt.Errorf("catalog: %w", err)
	}
	if status == http.StatusNotFound {
		return models.SchemaSnapshot{}, ErrNotFound
	}
	if status != http.StatusOK {
		return models.SchemaSnapshot{}, fmt.Errorf("catalog: status %d", status)
	}
	var snap models.SchemaSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return models.SchemaSnapshot{}, fmt.Errorf("catalog: invalid snapshot: %w", err)
	}
	if snap.Version == "" || snap.SourceID == "" {
		return models.SchemaSnapshot{}, errors.New("catalog: snapshot missing source or version")
	}
	return snap, nil
}

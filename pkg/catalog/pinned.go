package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"datagate/pkg/models"
)

// SharedCache is a cross-process byte cache for versioned snapshots, so
// gateway replicas do not each refetch the same immutable version.
type SharedCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// PinnedStore caches snapshots by (source, version) and tracks the latest
// known version per source. A request pins one version at the start of
// validation and reuses it through execution, so a concurrent catalog
// refresh can never produce a check/use mismatch. Versioned snapshots are
// immutable, which makes them safe to cache indefinitely; only the
// latest-version pointer expires.
type PinnedStore struct {
	client Client

	mu        sync.RWMutex
	snapshots map[string]models.SchemaSnapshot
	latest    map[string]latestEntry
	latestTTL time.Duration

	shared    SharedCache
	sharedTTL time.Duration
}

type latestEntry struct {
	version   string
	expiresAt time.Time
}

func NewPinnedStore(client Client, latestTTL time.Duration) *PinnedStore {
	if latestTTL <= 0 {
		latestTTL = 30 * time.Second
	}
	return &PinnedStore{
		client:    client,
		snapshots: map[string]models.SchemaSnapshot{},
		latest:    map[string]latestEntry{},
		latestTTL: latestTTL,
	}
}

// UseSharedCache layers a cross-process cache under the in-memory map.
// Only versioned snapshots are stored there; they are immutable, so a long
// TTL is safe.
func (p *PinnedStore) UseSharedCache(cache SharedCache, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	p.mu.Lock()
	p.shared = cache
	p.sharedTTL = ttl
	p.mu.Unlock()
}

// Pin resolves and returns the snapshot a request should use for its whole
// lifetime.
func (p *PinnedStore) Pin(ctx context.Context, sourceID string) (models.SchemaSnapshot, error) {
	if version, ok := p.latestVersion(sourceID); ok {
		return p.Version(ctx, sourceID, version)
	}
	snap, err := p.client.Snapshot(ctx, sourceID)
	if err != nil {
		return models.SchemaSnapshot{}, err
	}
	p.store(snap)
	p.NoteVersion(sourceID, snap.Version)
	return snap, nil
}

// Version returns one explicit snapshot version, from cache when possible.
func (p *PinnedStore) Version(ctx context.Context, sourceID, version string) (models.SchemaSnapshot, error) {
	key := sourceID + "@" + version
	p.mu.RLock()
	snap, ok := p.snapshots[key]
	shared := p.shared
	p.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if shared != nil {
		if raw, err := shared.Get(ctx, sharedKey(key)); err == nil && raw != "" {
			if err := json.Unmarshal([]byte(raw), &snap); err == nil && snap.Version == version {
				p.store(snap)
				return snap, nil
			}
		}
	}
	snap, err := p.client.SnapshotVersion(ctx, sourceID, version)
	if err != nil {
		return models.SchemaSnapshot{}, err
	}
	p.store(snap)
	return snap, nil
}

func sharedKey(key string) string {
	return "dg:snap:" + key
}

// NoteVersion records the latest known version for a source. Called by the
// refresh feed when the ingestion process publishes a version bump.
func (p *PinnedStore) NoteVersion(sourceID, version string) {
	if sourceID == "" || version == "" {
		return
	}
	p.mu.Lock()
	p.latest[sourceID] = latestEntry{version: version, expiresAt: time.Now().UTC().Add(p.latestTTL)}
	p.mu.Unlock()
}

func (p *PinnedStore) latestVersion(sourceID string) (string, bool) {
	p.mu.RLock()
	entry, ok := p.latest[sourceID]
	p.mu.RUnlock()
	if !ok || time.Now().UTC().After(entry.expiresAt) {
		return "", false
	}
	return entry.version, true
}

func (p *PinnedStore) store(snap models.SchemaSnapshot) {
	p.mu.Lock()
	p.snapshots[snap.SourceID+"@"+snap.Version] = snap
	shared, ttl := p.shared, p.sharedTTL
	p.mu.Unlock()
	if shared != nil {
		if raw, err := json.Marshal(snap); err == nil {
			// Best effort; replicas fall back to the catalog on a miss.
			_ = shared.Set(context.Background(), sharedKey(snap.SourceID+"@"+snap.Version), string(raw), ttl)
		}
	}
}

package control

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Default TTLs.
const (
	DefaultMarkerTTL   = 30 * time.Second
	DefaultDatabaseTTL = 30 * time.Second
)

// CacheOption configures a cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *cacheConfig) {
		if now != nil {
			c.now = now
		}
	}
}

func newCacheConfig(opts []CacheOption) cacheConfig {
	cfg := cacheConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type markerEntry struct {
	marker  Marker
	expires time.Time
}

// DelayCache stores one Marker per database. Entries older than the TTL
// read as missing. A zero or negative TTL never expires entries.
type DelayCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	markers map[string]markerEntry
}

// NewDelayCache creates an empty cache.
func NewDelayCache(ttl time.Duration, opts ...CacheOption) *DelayCache {
	cfg := newCacheConfig(opts)
	return &DelayCache{
		ttl:     ttl,
		now:     cfg.now,
		markers: make(map[string]markerEntry),
	}
}

// Get returns the marker of database. ok is false when there is none or
// it expired.
func (c *DelayCache) Get(database string) (Marker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.markers[database]
	if !ok {
		return Marker{}, false
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		delete(c.markers, database)
		return Marker{}, false
	}
	return e.marker, true
}

// Set stores the marker of database.
func (c *DelayCache) Set(database string, m Marker) {
	c.mu.Lock()
	c.markers[database] = markerEntry{marker: m, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the marker of database.
func (c *DelayCache) Invalidate(database string) {
	c.mu.Lock()
	delete(c.markers, database)
	c.mu.Unlock()
}

// InvalidateAll drops every marker.
func (c *DelayCache) InvalidateAll() {
	c.mu.Lock()
	clear(c.markers)
	c.mu.Unlock()
}

// Len returns the number of stored markers, expired ones included.
func (c *DelayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.markers)
}

// LoadFunc lists databases.
type LoadFunc func(ctx context.Context) ([]string, error)

// DatabaseCache caches the list of databases for a TTL. The list is
// reloaded when it expired or is empty.
type DatabaseCache struct {
	ttl  time.Duration
	now  func() time.Time
	load LoadFunc

	mu      sync.Mutex
	names   []string
	expires time.Time
}

// NewDatabaseCache creates a cache that calls load to refresh.
func NewDatabaseCache(ttl time.Duration, load LoadFunc, opts ...CacheOption) *DatabaseCache {
	cfg := newCacheConfig(opts)
	return &DatabaseCache{
		ttl:  ttl,
		now:  cfg.now,
		load: load,
	}
}

// Names returns the cached list, refreshing it if needed. When a refresh
// fails the previous list is returned together with the error.
func (c *DatabaseCache) Names(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.names) > 0 && now.Before(c.expires) {
		return slices.Clone(c.names), nil
	}
	names, err := c.load(ctx)
	if err != nil {
		return slices.Clone(c.names), err
	}
	c.names = names
	c.expires = now.Add(c.ttl)
	return slices.Clone(c.names), nil
}

// Invalidate forces the next call to Names to reload.
func (c *DatabaseCache) Invalidate() {
	c.mu.Lock()
	c.expires = time.Time{}
	c.mu.Unlock()
}

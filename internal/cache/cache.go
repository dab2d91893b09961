// Package cache holds the in-memory caches (C2) owned by the publisher side
// of the service: the latest-listing snapshot, the historical-series table,
// and the binary logo cache. Every cache guards a short read-modify-write
// critical section and never holds its lock across a suspension point;
// writers replace values wholesale. The snapshot reader returns a copy of
// the instrument slice; the historical and logo readers return the stored
// value, whose slices are shared with the cache. All three are fail-open:
// a read on an uninitialised entry returns the zero value, never an error.
package cache

import (
	"sync"
	"time"

	"cryptopulse/internal/metrics"
	"cryptopulse/internal/model"
)

// SnapshotCache holds the single most recent listings snapshot plus the
// time it was fetched.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshot  []model.Instrument
	lastFetch time.Time
	metrics   *metrics.Metrics
}

// SetMetrics installs the metrics collector recording hit/miss counts. A nil
// collector (the zero-value SnapshotCache before this is called, and in
// tests that never call it) simply records nothing.
func (c *SnapshotCache) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Set replaces the snapshot wholesale and records the fetch time.
func (c *SnapshotCache) Set(snapshot []model.Instrument, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshot
	c.lastFetch = fetchedAt
}

// Get returns a copy of the current snapshot and its age. ok is false if
// nothing has been fetched yet.
func (c *SnapshotCache) Get() (snapshot []model.Instrument, lastFetch time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		c.recordMiss()
		return nil, time.Time{}, false
	}
	c.recordHit()
	out := make([]model.Instrument, len(c.snapshot))
	copy(out, c.snapshot)
	return out, c.lastFetch, true
}

func (c *SnapshotCache) recordHit() {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues("snapshot").Inc()
	}
}

func (c *SnapshotCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues("snapshot").Inc()
	}
}

// historicalEntry is a cached series plus its insertion time.
type historicalEntry struct {
	series    model.Series
	insertedAt time.Time
}

// HistoricalCache maps "<SYMBOL>:<TIMEFRAME>" to the last series fetched for
// that pair. There is no eviction: entries live until process exit.
type HistoricalCache struct {
	mu      sync.RWMutex
	entries map[string]historicalEntry
	metrics *metrics.Metrics
}

// NewHistoricalCache constructs an empty historical cache.
func NewHistoricalCache() *HistoricalCache {
	return &HistoricalCache{entries: make(map[string]historicalEntry)}
}

// SetMetrics installs the metrics collector recording hit/miss counts.
func (c *HistoricalCache) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Set inserts or replaces the series cached under key.
func (c *HistoricalCache) Set(key string, series model.Series) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = historicalEntry{series: series, insertedAt: time.Now()}
}

// Get returns the cached series for key. ok is false if absent.
func (c *HistoricalCache) Get(key string) (model.Series, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if c.metrics != nil {
		if ok {
			c.metrics.CacheHits.WithLabelValues("historical").Inc()
		} else {
			c.metrics.CacheMisses.WithLabelValues("historical").Inc()
		}
	}
	return entry.series, ok
}

// logoEntry is a cached logo image plus the time it was fetched.
type logoEntry struct {
	data      []byte
	fetchedAt time.Time
}

// LogoTTL is how long a cached logo stays fresh before a read evicts it.
const LogoTTL = 24 * time.Hour

// LogoCache maps an uppercase symbol to its last-fetched logo bytes.
// Entries older than LogoTTL are evicted on read, forcing a refetch.
type LogoCache struct {
	mu      sync.Mutex
	entries map[string]logoEntry
	metrics *metrics.Metrics
}

// NewLogoCache constructs an empty logo cache.
func NewLogoCache() *LogoCache {
	return &LogoCache{entries: make(map[string]logoEntry)}
}

// SetMetrics installs the metrics collector recording hit/miss counts.
func (c *LogoCache) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Set caches image data for symbol.
func (c *LogoCache) Set(symbol string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = logoEntry{data: data, fetchedAt: time.Now()}
}

// Get returns the cached logo for symbol if it is still fresh. A stale
// entry is evicted and reported as a miss so the caller refetches.
func (c *LogoCache) Get(symbol string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[symbol]
	if !ok || time.Since(entry.fetchedAt) >= LogoTTL {
		if ok {
			delete(c.entries, symbol)
		}
		if c.metrics != nil {
			c.metrics.CacheMisses.WithLabelValues("logo").Inc()
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues("logo").Inc()
	}
	return entry.data, true
}

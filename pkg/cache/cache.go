// Package cache holds fetched time-series points keyed by (series id,
// timestamp) with a per-series index for nearest-timestamp lookups.
package cache

import (
	"sync"
	"time"

	"github.com/vjranagit/tsreport/pkg/metrics"
)

// Default match tolerances.
const (
	DayTolerance     = 60 * time.Second
	MonthTolerance   = 5 * time.Minute
	SinglePointMatch = 10 * time.Second
)

// Point is one cached sample.
type Point struct {
	SeriesID  string
	Timestamp int64 // Unix milliseconds
	Value     float32
}

type pointKey struct {
	series string
	ts     int64
}

type indexEntry struct {
	ts    int64
	value float32
}

// PointCache implements the exact-match table plus the append-only per-series
// index used for tolerance search. One writer and several readers share it;
// the lock is held only around a single insert batch or lookup.
type PointCache struct {
	mu      sync.Mutex
	exact   map[pointKey]float32
	index   map[string][]indexEntry
	validAt time.Time
	now     func() time.Time
}

// NewPointCache creates an empty cache
func NewPointCache() *PointCache {
	return &PointCache{
		exact: make(map[pointKey]float32),
		index: make(map[string][]indexEntry),
		now:   time.Now,
	}
}

// Put inserts one point; last write wins on the exact table.
func (c *PointCache) Put(seriesID string, ts int64, value float32) {
	c.PutBatch([]Point{{SeriesID: seriesID, Timestamp: ts, Value: value}})
}

// PutBatch merges a prepared batch in one locked pass and stamps the
// validity time.
func (c *PointCache) PutBatch(points []Point) {
	if len(points) == 0 {
		return
	}

	// Group outside the lock so the critical section is a plain merge.
	grouped := make(map[string][]indexEntry)
	for _, p := range points {
		grouped[p.SeriesID] = append(grouped[p.SeriesID], indexEntry{ts: p.Timestamp, value: p.Value})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for series, entries := range grouped {
		for _, e := range entries {
			c.exact[pointKey{series: series, ts: e.ts}] = e.value
		}
		c.index[series] = append(c.index[series], entries...)
	}
	c.validAt = c.now()
}

// Lookup returns the value stored for (seriesID, ts). On an exact miss the
// series index is scanned for the timestamp with minimal distance, accepted
// only within tolerance. Ties keep the first candidate seen.
func (c *PointCache) Lookup(seriesID string, ts int64, tolerance time.Duration) (float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.exact[pointKey{series: seriesID, ts: ts}]; ok {
		metrics.CacheLookups.WithLabelValues("exact").Inc()
		return v, true
	}

	limit := tolerance.Milliseconds()
	best := int64(-1)
	var value float32
	for _, e := range c.index[seriesID] {
		d := e.ts - ts
		if d < 0 {
			d = -d
		}
		if d > limit {
			continue
		}
		if best < 0 || d < best {
			best = d
			value = e.value
		}
	}
	if best < 0 {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return 0, false
	}
	metrics.CacheLookups.WithLabelValues("nearest").Inc()
	return value, true
}

// InvalidateSeries drops every point of the given series.
func (c *PointCache) InvalidateSeries(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(c.index, id)
	}
	for k := range c.exact {
		if drop[k.series] {
			delete(c.exact, k)
		}
	}
}

// Clear drops both tables and the validity timestamp
func (c *PointCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exact = make(map[pointKey]float32)
	c.index = make(map[string][]indexEntry)
	c.validAt = time.Time{}
}

// IsValid reports whether the cache holds data populated less than expiry ago.
func (c *PointCache) IsValid(expiry time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.exact) == 0 || c.validAt.IsZero() {
		return false
	}
	return c.now().Sub(c.validAt) < expiry
}

// Len returns the number of distinct (series, timestamp) keys
func (c *PointCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exact)
}

// Stats returns cache statistics
func (c *PointCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexed := 0
	for _, entries := range c.index {
		indexed += len(entries)
	}
	return Stats{
		Keys:        len(c.exact),
		Series:      len(c.index),
		IndexLength: indexed,
		PopulatedAt: c.validAt,
	}
}

// Stats contains cache statistics
type Stats struct {
	Keys        int
	Series      int
	IndexLength int
	PopulatedAt time.Time
}

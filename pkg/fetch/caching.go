package fetch

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vjranagit/tsreport/pkg/types"
)

// resultCache is an LRU of fetch answers keyed by address, with a TTL.
type resultCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	entries  map[string]*resultEntry
	lru      *list.List
	now      func() time.Time
}

type resultEntry struct {
	address  string
	samples  types.Samples
	storedAt time.Time
	element  *list.Element
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*resultEntry),
		lru:      list.New(),
		now:      time.Now,
	}
}

func (c *resultCache) get(address string) (types.Samples, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[address]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.removeLocked(address)
		return nil, false
	}
	c.lru.MoveToFront(entry.element)
	return entry.samples, true
}

func (c *resultCache) put(address string, samples types.Samples) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[address]; ok {
		entry.samples = samples
		entry.storedAt = c.now()
		c.lru.MoveToFront(entry.element)
		return
	}

	entry := &resultEntry{address: address, samples: samples, storedAt: c.now()}
	entry.element = c.lru.PushFront(entry)
	c.entries[address] = entry

	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*resultEntry).address)
		}
	}
}

// removeLocked removes an entry (must hold lock)
func (c *resultCache) removeLocked(address string) {
	if entry, ok := c.entries[address]; ok {
		c.lru.Remove(entry.element)
		delete(c.entries, address)
	}
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*resultEntry)
	c.lru = list.New()
}

func (c *resultCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for _, entry := range c.entries {
		if c.now().Sub(entry.storedAt) > c.ttl {
			expired++
		}
	}
	return CacheStats{Size: len(c.entries), Capacity: c.capacity, Expired: expired}
}

// CacheStats contains result cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Expired  int
	Hits     uint64
	Misses   uint64
}

// HitRate returns the hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

// CachingFetcher wraps a Fetcher with an address-keyed result cache.
// Concurrent misses for the same address share one upstream call. Errors are
// never cached.
type CachingFetcher struct {
	next   Fetcher
	cache  *resultCache
	flight singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachingFetcher creates a caching wrapper
func NewCachingFetcher(next Fetcher, capacity int, ttl time.Duration) *CachingFetcher {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingFetcher{next: next, cache: newResultCache(capacity, ttl)}
}

// Fetch implements Fetcher.
func (c *CachingFetcher) Fetch(ctx context.Context, address string) (types.Samples, error) {
	if samples, ok := c.cache.get(address); ok {
		c.hits.Add(1)
		return samples, nil
	}
	c.misses.Add(1)

	v, err, _ := c.flight.Do(address, func() (interface{}, error) {
		samples, err := c.next.Fetch(ctx, address)
		if err != nil {
			return nil, err
		}
		c.cache.put(address, samples)
		return samples, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(types.Samples), nil
}

// Invalidate drops every cached answer; call it after writes to the source.
func (c *CachingFetcher) Invalidate() {
	c.cache.clear()
}

// Stats returns cache statistics including hit counters.
func (c *CachingFetcher) Stats() CacheStats {
	s := c.cache.stats()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	return s
}

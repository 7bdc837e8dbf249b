// Package listingcache memoizes the coordinator's server listing for a
// fixed TTL and coalesces concurrent refresh attempts, per spec §4.3.
// Grounded on the single-flight discipline HydraDNS's forwarding resolver
// hand-rolls for DNS responses, implemented here with the stock
// golang.org/x/sync/singleflight the wider pack already depends on.
package listingcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openttd/wsrelay/internal/coordinator"
)

// Fetcher is the narrow surface of coordinator.Client the cache needs,
// letting tests substitute a fake without a real coordinator.
type Fetcher interface {
	ListServers(ctx context.Context) ([]coordinator.ServerRecord, error)
}

// Metrics is the narrow counter surface the cache reports hit/miss counts
// to, per SPEC_FULL §13.
type Metrics interface {
	CacheHit()
	CacheMiss()
}

type noopMetrics struct{}

func (noopMetrics) CacheHit()  {}
func (noopMetrics) CacheMiss() {}

// entry is the cached value plus the instant it was fetched.
type entry struct {
	servers   []coordinator.ServerRecord
	fetchedAt time.Time
}

// Cache is the singleton, single-flighted server-list cache.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	metrics Metrics

	mu      sync.RWMutex
	current *entry

	group singleflight.Group
}

// New returns a Cache backed by fetcher with the given TTL. metrics may be
// nil, in which case hit/miss counts are simply not recorded.
func New(fetcher Fetcher, ttl time.Duration, metrics Metrics) *Cache {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Cache{fetcher: fetcher, ttl: ttl, metrics: metrics}
}

// Get returns the cached listing if still fresh, otherwise triggers a
// refresh. Concurrent callers during a refresh observe single-flight: only
// one coordinator session is in flight, the rest await the same result. On
// refresh failure the previous cached value (if any) is returned to every
// waiter alongside the failure; fetchedAt is not advanced.
func (c *Cache) Get(ctx context.Context) ([]coordinator.ServerRecord, error) {
	if fresh, ok := c.freshEntry(); ok {
		c.metrics.CacheHit()
		return fresh.servers, nil
	}
	c.metrics.CacheMiss()
	return c.refresh(ctx)
}

// ForceRefresh bypasses freshness but still single-flights against
// concurrent callers, per SPEC_FULL §13's `?fresh=1` admission path.
func (c *Cache) ForceRefresh(ctx context.Context) ([]coordinator.ServerRecord, error) {
	c.metrics.CacheMiss()
	return c.refresh(ctx)
}

func (c *Cache) freshEntry() (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, false
	}
	if time.Since(c.current.fetchedAt) >= c.ttl {
		return nil, false
	}
	return c.current, true
}

func (c *Cache) refresh(ctx context.Context) ([]coordinator.ServerRecord, error) {
	v, err, _ := c.group.Do("listing", func() (interface{}, error) {
		servers, fetchErr := c.fetcher.ListServers(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		c.mu.Lock()
		c.current = &entry{servers: servers, fetchedAt: time.Now()}
		c.mu.Unlock()
		return servers, nil
	})
	if err != nil {
		// Surface the failure to every waiter, but hand back the stale
		// cached value too, if one exists.
		if prev, ok := c.staleEntry(); ok {
			return prev.servers, err
		}
		return nil, err
	}
	return v.([]coordinator.ServerRecord), nil
}

func (c *Cache) staleEntry() (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, false
	}
	return c.current, true
}

// Package metrics holds the small in-memory counter set SPEC_FULL §13
// promises: requests per route, active relay session count, and cache
// hit/miss count, surfaced through periodic structured log lines rather
// than a scrape endpoint. Grounded on the teacher's background stats
// ticker in cmd/gameserver/main.go ("log server statistics every 5
// minutes"), generalized from room/player counts to this service's
// counters.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Counters is the process-wide counter set. All fields are safe for
// concurrent use. The zero value is not usable; construct with New.
type Counters struct {
	mu              sync.Mutex
	requestsByRoute map[string]int64

	activeSessions int64
	cacheHits      int64
	cacheMisses    int64
}

// New returns an empty Counters.
func New() *Counters {
	return &Counters{requestsByRoute: make(map[string]int64)}
}

// RequestRoute increments the counter for one logical route, per gateway
// dispatch (e.g. "servers", "resolve", "health", "connect", "options",
// "not_found").
func (c *Counters) RequestRoute(route string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsByRoute[route]++
}

// SessionOpened implements relay.Metrics.
func (c *Counters) SessionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSessions++
}

// SessionClosed implements relay.Metrics.
func (c *Counters) SessionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeSessions--
}

// CacheHit records a /servers call answered from a still-fresh cache entry.
func (c *Counters) CacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits++
}

// CacheMiss records a /servers call that had to trigger a coordinator
// refresh (TTL expired, forced, or no prior entry).
func (c *Counters) CacheMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses++
}

// snapshot is an immutable copy taken under lock, safe to log without
// holding it.
type snapshot struct {
	requestsByRoute map[string]int64
	activeSessions  int64
	cacheHits       int64
	cacheMisses     int64
}

func (c *Counters) snapshot() snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	routes := make(map[string]int64, len(c.requestsByRoute))
	for k, v := range c.requestsByRoute {
		routes[k] = v
	}
	return snapshot{
		requestsByRoute: routes,
		activeSessions:  c.activeSessions,
		cacheHits:       c.cacheHits,
		cacheMisses:     c.cacheMisses,
	}
}

// LogSnapshot emits one structured log line with the current counter
// values.
func (c *Counters) LogSnapshot(log zerolog.Logger) {
	s := c.snapshot()
	log.Info().
		Interface("requests_by_route", s.requestsByRoute).
		Int64("active_sessions", s.activeSessions).
		Int64("cache_hits", s.cacheHits).
		Int64("cache_misses", s.cacheMisses).
		Msg("metrics snapshot")
}

// StartLogger runs a background ticker that logs a snapshot every interval
// until ctx is cancelled. It blocks until then, so run it on its own
// goroutine.
func (c *Counters) StartLogger(ctx context.Context, log zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.LogSnapshot(log)
		}
	}
}

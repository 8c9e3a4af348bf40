// Package cache is the TTL result cache in front of the query engine.
// Concurrent identical lookups collapse onto one computation, so an expensive
// live scan runs at most once per key at a time.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dotscope/dotscope/internal/metrics"
)

// Per-type lifetimes. Address results age fastest in value but are the most
// expensive to recompute; block lookups are cheap and near the tip they go
// stale quickly.
const (
	TTLAddress   = 5 * time.Minute
	TTLExtrinsic = 10 * time.Minute
	TTLBlock     = 2 * time.Minute

	sweepInterval = 5 * time.Minute
	shardCount    = 16
)

// Result types, used as the key prefix and the clear-by-type selector.
const (
	TypeAddress   = "address"
	TypeExtrinsic = "extrinsic"
	TypeBlock     = "block"
)

type entry struct {
	value     any
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache shards the key space to keep lock contention off the hot read path.
type Cache struct {
	shards [shardCount]*shard
	group  singleflight.Group
	log    zerolog.Logger
}

func New(log zerolog.Logger) *Cache {
	c := &Cache{log: log.With().Str("component", "cache").Logger()}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return c
}

// Key builds the canonical cache key for a typed query.
func Key(typ string, parts ...string) string {
	return typ + ":" + strings.Join(parts, ":")
}

func (c *Cache) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return c.shards[h%shardCount]
}

// Get returns the cached value when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	sh := c.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value with the given lifetime.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	sh.mu.Unlock()
}

// GetOrCompute returns the cached value for key, computing and storing it on
// a miss. Concurrent callers for the same key share one computation; errors
// are never cached.
func (c *Cache) GetOrCompute(ctx context.Context, typ, key string, ttl time.Duration, compute func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		metrics.CacheHits.WithLabelValues(typ).Inc()
		return v, nil
	}
	metrics.CacheMisses.WithLabelValues(typ).Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the entry while this call
		// waited on the flight group.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// ClearAll empties the cache and returns the number of entries removed.
func (c *Cache) ClearAll() int {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		removed += len(sh.entries)
		sh.entries = make(map[string]entry)
		sh.mu.Unlock()
	}
	c.log.Info().Int("removed", removed).Msg("Cache cleared")
	return removed
}

// ClearByType removes every entry of one result type.
func (c *Cache) ClearByType(typ string) int {
	return c.clearMatching(func(key string) bool {
		return strings.HasPrefix(key, typ+":")
	})
}

// ClearByQuery removes every entry whose key contains the given substring.
func (c *Cache) ClearByQuery(query string) int {
	if query == "" {
		return 0
	}
	return c.clearMatching(func(key string) bool {
		return strings.Contains(key, query)
	})
}

func (c *Cache) clearMatching(match func(string) bool) int {
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key := range sh.entries {
			if match(key) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// CacheStats is the debug readout of cache occupancy.
type CacheStats struct {
	Entries int            `json:"entries"`
	Expired int            `json:"expired"`
	ByType  map[string]int `json:"byType"`
}

func (c *Cache) Stats() CacheStats {
	stats := CacheStats{ByType: make(map[string]int)}
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.RLock()
		for key, e := range sh.entries {
			stats.Entries++
			if now.After(e.expiresAt) {
				stats.Expired++
			}
			if i := strings.IndexByte(key, ':'); i > 0 {
				stats.ByType[key[:i]]++
			}
		}
		sh.mu.RUnlock()
	}
	return stats
}

// Run sweeps expired entries until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if now.After(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Swept expired cache entries")
	}
}

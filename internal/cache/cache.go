// Package cache implements the engine's two-tier key/value cache: an
// in-process LRU tier fronting an optional remote/durable tier, with
// single-flight coordination for GetOrCompute. Values are serialized with
// vmihailenco/msgpack. Expiry is strictly TTL-based; the LRU size bound is
// an orthogonal capacity limit, never a correctness mechanism.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// TierTwo is the optional remote/durable backing tier. internal/store
// implements this over SQLite.
type TierTwo interface {
	Get(ctx context.Context, key string) ([]byte, time.Time, bool, error)
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Cache is the process-wide tiered cache. Safe for concurrent use; callers
// never lock it externally, per the engine's shared-resource policy.
type Cache struct {
	tier1 *lru
	tier2 TierTwo
	log   zerolog.Logger

	mu      sync.Mutex
	expires map[string]time.Time

	group singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	tier2Hits atomic.Uint64
}

// Stats is a point-in-time snapshot of the cache's hit/miss counters.
// Tier2Hits counts the subset of Hits served by the remote tier.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Tier2Hits uint64
}

// Config bounds tier 1's size.
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

// New builds a Cache. tier2 may be nil, in which case the cache operates
// with only an in-process tier.
func New(cfg Config, tier2 TierTwo, log zerolog.Logger) *Cache {
	return &Cache{
		tier1:   newLRU(cfg.MaxEntries, cfg.MaxBytes),
		tier2:   tier2,
		log:     log.With().Str("component", "cache").Logger(),
		expires: make(map[string]time.Time),
	}
}

// Get reads a key, checking tier 1 then tier 2; a tier-2 hit populates
// tier 1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	expiry, hasExpiry := c.expires[key]
	c.mu.Unlock()
	if hasExpiry && time.Now().After(expiry) {
		c.invalidateLocal(key)
		c.misses.Add(1)
		return nil, false
	}

	if v, ok := c.tier1.get(key); ok {
		c.hits.Add(1)
		return v, true
	}

	if c.tier2 == nil {
		c.misses.Add(1)
		return nil, false
	}

	v, expiresAt, ok, err := c.tier2.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("tier-2 read failed")
		c.misses.Add(1)
		return nil, false
	}
	if !ok || (!expiresAt.IsZero() && time.Now().After(expiresAt)) {
		c.misses.Add(1)
		return nil, false
	}
	c.tier1.set(key, v)
	c.mu.Lock()
	c.expires[key] = expiresAt
	c.mu.Unlock()
	c.hits.Add(1)
	c.tier2Hits.Add(1)
	return v, true
}

// Snapshot returns the current hit/miss counters.
func (c *Cache) Snapshot() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Tier2Hits: c.tier2Hits.Load(),
	}
}

// Set writes a key to both tiers (write-through).
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	c.tier1.set(key, value)
	c.mu.Lock()
	c.expires[key] = expiresAt
	c.mu.Unlock()

	if c.tier2 != nil {
		if err := c.tier2.Set(ctx, key, value, expiresAt); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("tier-2 write failed")
			return err
		}
	}
	return nil
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.invalidateLocal(key)
	if c.tier2 != nil {
		return c.tier2.Delete(ctx, key)
	}
	return nil
}

// InvalidatePrefix removes every key with the given prefix from both
// tiers.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.tier1.deletePrefix(prefix)
	c.mu.Lock()
	for k := range c.expires {
		if strings.HasPrefix(k, prefix) {
			delete(c.expires, k)
		}
	}
	c.mu.Unlock()

	if c.tier2 != nil {
		return c.tier2.DeletePrefix(ctx, prefix)
	}
	return nil
}

func (c *Cache) invalidateLocal(key string) {
	c.tier1.delete(key)
	c.mu.Lock()
	delete(c.expires, key)
	c.mu.Unlock()
}

// getRaw does the single-flight-protected raw byte lookup/compute shared by
// GetOrCompute's generic wrapper below; kept non-generic so the
// singleflight.Group (keyed by string, not by type) stays on the Cache
// itself rather than being duplicated per instantiation.
func (c *Cache) getRaw(ctx context.Context, key string, ttl time.Duration, compute func() ([]byte, error)) ([]byte, error) {
	if raw, ok := c.Get(ctx, key); ok {
		return raw, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check after winning the single-flight race: another caller
		// may have populated the cache while we queued.
		if raw, ok := c.Get(ctx, key); ok {
			return raw, nil
		}

		encoded, err := compute()
		if err != nil {
			return nil, err
		}
		if setErr := c.Set(ctx, key, encoded, ttl); setErr != nil {
			c.log.Warn().Err(setErr).Str("key", key).Msg("failed to populate cache after compute")
		}
		return encoded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetOrCompute is the single-flight coordinator: concurrent callers for
// the same key share one execution of f; only the first writes to the
// cache; others await the shared result. If f fails, the failure is
// returned to all waiters and no cache entry is written.
func GetOrCompute[T any](c *Cache, ctx context.Context, key string, ttl time.Duration, f func() (T, error)) (T, error) {
	var zero T
	raw, err := c.getRaw(ctx, key, ttl, func() ([]byte, error) {
		result, err := f()
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(result)
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}

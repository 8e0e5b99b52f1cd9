package selfmodel

import (
	"sync"
	"time"
)

// Clock abstracts time for testability, mirroring the profile manager's
// cache in the teacher.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	// DeepTTL is how long a deep (analyzer-enriched) self-model stays
	// cached before Build is asked to recompute it.
	DeepTTL = 1 * time.Hour
	// FastTTL is how long a deterministic self-model stays cached.
	FastTTL = 60 * time.Second
)

// Cache wraps a Builder with the two-TTL in-memory cache from spec §5: a
// short-lived slot for deterministic builds and a longer-lived slot for
// deep, analyzer-enriched ones. A completed improver tick should call
// Invalidate so the next read reflects what the tick changed.
type Cache struct {
	b       *Builder
	clock   Clock
	deepTTL time.Duration
	fastTTL time.Duration

	mu     sync.RWMutex
	fast   *Model
	fastAt time.Time
	deep   *Model
	deepAt time.Time
}

// NewCache wraps b with the documented default TTLs.
func NewCache(b *Builder) *Cache {
	return &Cache{b: b, clock: realClock{}, deepTTL: DeepTTL, fastTTL: FastTTL}
}

// NewCacheWithClock is used by tests to control TTL expiry deterministically.
func NewCacheWithClock(b *Builder, clock Clock, deepTTL, fastTTL time.Duration) *Cache {
	return &Cache{b: b, clock: clock, deepTTL: deepTTL, fastTTL: fastTTL}
}

// Get returns the cached model for the requested variant, rebuilding it if
// stale or absent.
func (c *Cache) Get(deep bool) (Model, error) {
	if deep {
		return c.get(&c.deep, &c.deepAt, c.deepTTL, true)
	}
	return c.get(&c.fast, &c.fastAt, c.fastTTL, false)
}

func (c *Cache) get(slot **Model, at *time.Time, ttl time.Duration, deep bool) (Model, error) {
	c.mu.RLock()
	if *slot != nil && c.clock.Now().Before(at.Add(ttl)) {
		m := **slot
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if *slot != nil && c.clock.Now().Before(at.Add(ttl)) {
		return **slot, nil
	}

	m, err := c.b.Build(deep)
	if err != nil {
		return Model{}, err
	}
	*slot = &m
	*at = c.clock.Now()
	return m, nil
}

// Invalidate drops both cached variants; called after a tick changes the
// store or awareness file.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fast = nil
	c.deep = nil
}

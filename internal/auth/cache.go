package auth

import (
	"context"
	"sync"
	"time"

	"gatekeep.dev/internal/obs"
)

// DefaultCacheTTL is how long a compiled grant is served before it is recomputed.
const DefaultCacheTTL = 5 * time.Minute

// Compiler builds a principal's Grant from the backing store.
type Compiler interface {
	Compile(ctx context.Context, principalID string) (*Grant, error)
}

type cacheEntry struct {
	grant     *Grant
	expiresAt time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides DefaultCacheTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheClock overrides the clock used for entry expiry.
func WithCacheClock(fn func() time.Time) CacheOption {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// Cache memoizes compiled grants per principal. Entries are replaced whole and never
// mutated. An invalidation bumps the epoch so a resolve that started before it cannot
// store its result afterwards.
type Cache struct {
	compiler Compiler
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	epoch   uint64
}

func NewCache(compiler Compiler, opts ...CacheOption) *Cache {
	c := &Cache{
		compiler: compiler,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		entries:  make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrResolve returns the cached grant for principalID, compiling it on a miss.
// An entry lives for the TTL or until the assignment expires, whichever comes first.
// Failed or cancelled compilations are never stored.
func (c *Cache) GetOrResolve(ctx context.Context, principalID string) (*Grant, error) {
	c.mu.RLock()
	entry := c.entries[principalID]
	epoch := c.epoch
	c.mu.RUnlock()

	if entry != nil {
		if c.now().Before(entry.expiresAt) {
			obs.CacheLookup("hit")
			return entry.grant, nil
		}
		obs.CacheLookup("expired")
	} else {
		obs.CacheLookup("miss")
	}

	grant, err := c.compiler.Compile(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return grant, nil
	}

	expiresAt := c.now().Add(c.ttl)
	if grant.ExpiresAt != nil && grant.ExpiresAt.Before(expiresAt) {
		expiresAt = *grant.ExpiresAt
	}
	fresh := &cacheEntry{grant: grant, expiresAt: expiresAt}
	c.mu.Lock()
	if c.epoch == epoch {
		c.entries[principalID] = fresh
	}
	c.mu.Unlock()
	return grant, nil
}

// Resolve returns the effective permission set of principalID under cond.
func (c *Cache) Resolve(ctx context.Context, principalID string, cond ConditionContext) (PermissionSet, error) {
	g, err := c.GetOrResolve(ctx, principalID)
	if err != nil {
		return PermissionSet{}, err
	}
	return g.Evaluate(cond), nil
}

// Invalidate drops the entry of principalID.
func (c *Cache) Invalidate(principalID string) {
	c.mu.Lock()
	delete(c.entries, principalID)
	c.epoch++
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.epoch++
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

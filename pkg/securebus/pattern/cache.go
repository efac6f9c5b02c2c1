package pattern

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig bounds the pattern cache.
type CacheConfig struct {
	// MaxEntries limits each of the validation and match caches.
	// Default: 10000
	MaxEntries int

	// TTL is how long a memoized result is kept.
	// Default: 10 minutes
	TTL time.Duration
}

// DefaultCacheConfig provides reasonable defaults.
var DefaultCacheConfig = CacheConfig{
	MaxEntries: 10000,
	TTL:        10 * time.Minute,
}

// Cache memoizes pattern validation and (event, subscription) match results.
// Patterns are immutable strings, so entries only ever leave by TTL or LRU eviction.
// It is safe for concurrent use.
type Cache struct {
	valid   *expirable.LRU[string, bool]
	matches *expirable.LRU[matchKey, bool]

	hits   atomic.Int64
	misses atomic.Int64
}

type matchKey struct {
	event string
	sub   string
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits              int64
	Misses            int64
	ValidationEntries int
	MatchEntries      int
}

// NewCache creates a pattern cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig.TTL
	}
	return &Cache{
		valid:   expirable.NewLRU[string, bool](cfg.MaxEntries, nil, cfg.TTL),
		matches: expirable.NewLRU[matchKey, bool](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// Valid reports whether p is a syntactically valid pattern.
func (c *Cache) Valid(p string) bool {
	if v, ok := c.valid.Get(p); ok {
		c.hits.Add(1)
		return v
	}
	c.misses.Add(1)
	v := IsValid(p)
	c.valid.Add(p, v)
	return v
}

// Validate is the error-returning form of Valid. Only failures pay for the
// detailed error message.
func (c *Cache) Validate(p string) error {
	if c.Valid(p) {
		return nil
	}
	return Validate(p)
}

// Match reports whether eventPattern matches subscriptionPattern.
func (c *Cache) Match(eventPattern, subscriptionPattern string) bool {
	key := matchKey{event: eventPattern, sub: subscriptionPattern}
	if v, ok := c.matches.Get(key); ok {
		c.hits.Add(1)
		return v
	}
	c.misses.Add(1)
	v := Match(eventPattern, subscriptionPattern)
	c.matches.Add(key, v)
	return v
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:              c.hits.Load(),
		Misses:            c.misses.Load(),
		ValidationEntries: c.valid.Len(),
		MatchEntries:      c.matches.Len(),
	}
}

// Purge drops every memoized result.
func (c *Cache) Purge() {
	c.valid.Purge()
	c.matches.Purge()
}

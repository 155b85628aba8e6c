// Package authcache memoizes successful API key verifications. Argon2id
// verification is deliberately slow; without this cache every tool call
// would re-run a memory-hard hash against every user row. A verified
// key resolves from the cache for a bounded window instead.
package authcache

import (
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long a verification is trusted.
	DefaultTTL = 15 * time.Minute

	// defaultSweepInterval controls how often stale entries are reaped
	// independent of access pattern, so one-shot keys cannot accumulate.
	defaultSweepInterval = 5 * time.Minute
)

type entry struct {
	userID     string
	verifiedAt time.Time
}

// Cache maps presented API keys to resolved user ids. Safe for
// concurrent use; no operation blocks beyond a map access.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	stopGC  chan struct{}
	now     func() time.Time
}

// New creates a cache with the given TTL (DefaultTTL when zero) and
// starts the background sweep goroutine. Call Stop to clean it up.
func New(ttl time.Duration) *Cache {
	c := NewWithClock(ttl, time.Now)
	go c.gcLoop()
	return c
}

// NewWithClock creates a cache without the sweep goroutine, using the
// supplied clock. Tests use this to control staleness directly.
func NewWithClock(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		stopGC:  make(chan struct{}),
		now:     now,
	}
}

// Stop terminates the background sweep goroutine.
func (c *Cache) Stop() {
	close(c.stopGC)
}

func (c *Cache) gcLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopGC:
			return
		}
	}
}

// Get resolves a key to a user id. A stale entry is a miss.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.verifiedAt) > c.ttl {
		return "", false
	}

	return e.userID, true
}

// Put records a successful verification, overwriting silently.
func (c *Cache) Put(key, userID string) {
	c.mu.Lock()
	c.entries[key] = entry{userID: userID, verifiedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate removes every entry resolving to the given user. Required
// after key regeneration so a revoked key cannot keep authenticating
// through a stale entry.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	for k, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Sweep removes all stale entries.
func (c *Cache) Sweep() {
	cutoff := c.now().Add(-c.ttl)

	c.mu.Lock()
	for k, e := range c.entries {
		if e.verifiedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

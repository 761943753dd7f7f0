// Package cache is the session-scoped read-through cache of complete entity
// records. Entries expire after a TTL or on explicit invalidation; an expired
// entry reads as a miss, never as stale-but-usable.
package cache

import (
	"sync"
	"time"

	"intakeline/internal/domain"
	"intakeline/internal/session"
)

// Cache holds at most one entry per entity id. Entries are written through
// to the session store so they survive a process reload within the session.
type Cache struct {
	TTL     time.Duration
	Session *session.Store
	Now     func() time.Time

	mu      sync.Mutex
	entries map[string]domain.CacheEntry
}

// New creates a cache. A zero TTL means entries live for the whole session.
// The session store is optional; without it the cache is memory-only.
func New(ttl time.Duration, store *session.Store) *Cache {
	return &Cache{
		TTL:     ttl,
		Session: store,
		Now:     time.Now,
		entries: map[string]domain.CacheEntry{},
	}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get returns the entry for id, or nil on miss, expiry, or invalidation.
func (c *Cache) Get(id string) *domain.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok && c.Session != nil {
		if persisted, err := c.Session.CacheEntry(id); err == nil && persisted != nil {
			e, ok = *persisted, true
			c.entries[id] = e
		}
	}
	if !ok {
		return nil
	}
	if !c.validLocked(e) {
		delete(c.entries, id)
		if c.Session != nil {
			_ = c.Session.DeleteCacheEntry(id)
		}
		return nil
	}
	out := e
	out.Record = e.Record.Clone()
	return &out
}

// Put replaces any prior entry for id wholesale with a complete snapshot.
func (c *Cache) Put(id string, record domain.EntityRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := domain.CacheEntry{
		EntityID: id,
		Record:   record.Clone(),
		CachedAt: c.now(),
		Valid:    true,
	}
	c.entries[id] = e
	if c.Session != nil {
		_ = c.Session.SetCacheEntry(e)
	}
}

// Invalidate marks the entry for id invalid. Subsequent Gets miss.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.Valid = false
		c.entries[id] = e
	}
	if c.Session != nil {
		_ = c.Session.DeleteCacheEntry(id)
	}
}

// IsValid reports whether a usable entry exists for id, consulting the
// session store like Get does.
func (c *Cache) IsValid(id string) bool {
	return c.Get(id) != nil
}

func (c *Cache) validLocked(e domain.CacheEntry) bool {
	if !e.Valid {
		return false
	}
	if c.TTL > 0 && c.now().Sub(e.CachedAt) >= c.TTL {
		return false
	}
	return true
}

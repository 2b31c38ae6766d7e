// Package cache keeps recently used session snapshots in memory and owns
// the per-conversation locks that serialize writers.
//
// Values are deep copies: a caller never shares a live *session.Session
// with the cache or with another caller.
//
//	c := cache.New(30*time.Minute, 1000)
//	unlock := c.Lock("conv-1")
//	defer unlock()
//	sess, ok := c.Get("conv-1")
package cache

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/session"
)

type entry struct {
	sess         *session.Session
	expiresAt    time.Time
	lastAccessed time.Time
}

// Cache is a thread-safe session snapshot cache with TTL and LRU eviction.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	metrics    *Metrics

	locks *Locks
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits, misses and size.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache holding at most maxEntries sessions for ttl each.
func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		locks:      NewLocks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached session. Expired entries are removed
// and reported as a miss.
func (c *Cache) Get(id string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.metrics.miss()
		return nil, false
	}
	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.entries, id)
		c.metrics.size(len(c.entries))
		c.metrics.miss()
		return nil, false
	}
	e.lastAccessed = now
	c.metrics.hit()
	return e.sess.Clone(), true
}

// Put stores a copy of sess, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(id string, sess *session.Session) {
	if sess == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	now := c.now()
	c.entries[id] = &entry{
		sess:         sess.Clone(),
		expiresAt:    now.Add(c.ttl),
		lastAccessed: now,
	}
	c.metrics.size(len(c.entries))
}

// Delete removes id. It is a no-op for unknown ids.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.metrics.size(len(c.entries))
}

// Len returns the number of cached sessions, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lock takes the writer lock of one conversation.
func (c *Cache) Lock(id string) (unlock func()) {
	return c.locks.Lock(id)
}

// evictLRU removes the least recently used entry. Caller holds mu.
func (c *Cache) evictLRU() {
	var (
		oldestID   string
		oldestTime time.Time
		first      = true
	)
	for id, e := range c.entries {
		if first || e.lastAccessed.Before(oldestTime) {
			oldestID = id
			oldestTime = e.lastAccessed
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestID)
		c.metrics.evicted()
	}
}

// Package headercache keeps recent response headers per tab. It is bounded
// by entry count and age; when full, the oldest insertion is evicted.
package headercache

import (
	"net/http"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 100
	DefaultTTL        = 5 * time.Minute
)

type entry struct {
	headers    http.Header
	url        string
	insertedAt time.Time
}

// Entry is a cached header set.
type Entry struct {
	URL        string      `json:"url"`
	Headers    http.Header `json:"headers"`
	InsertedAt time.Time   `json:"insertedAt"`
}

// Cache is safe for concurrent use.
type Cache struct {
	max int
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[int]entry
}

func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{max: maxEntries, ttl: ttl, now: time.Now, entries: map[int]entry{}}
}

// Put stores a copy of headers for tabID, replacing any earlier entry.
func (c *Cache) Put(tabID int, url string, headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	if _, exists := c.entries[tabID]; !exists && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[tabID] = entry{headers: headers.Clone(), url: url, insertedAt: now}
}

// Get returns a copy of the live entry for tabID.
func (c *Cache) Get(tabID int) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tabID]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, tabID)
		return Entry{}, false
	}
	return Entry{URL: e.url, Headers: e.headers.Clone(), InsertedAt: e.insertedAt}, true
}

func (c *Cache) Delete(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tabID)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[int]entry{}
}

// Len counts entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) pruneLocked(now time.Time) {
	for id, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			delete(c.entries, id)
		}
	}
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestID int
		oldest   time.Time
		found    bool
	)
	for id, e := range c.entries {
		if !found || e.insertedAt.Before(oldest) {
			oldestID, oldest, found = id, e.insertedAt, true
		}
	}
	if found {
		delete(c.entries, oldestID)
	}
}

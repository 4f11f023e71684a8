package main

import (
	"sync"
	"time"
)

type pageCacheEntry struct {
	page     *PageContent
	storedAt time.Time
}

// PageCache provides thread-safe, TTL-bounded caching of fetched pages keyed by URL
type PageCache struct {
	mu      sync.RWMutex
	entries map[string]pageCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewPageCache creates a new page cache with the specified TTL
func NewPageCache(ttl time.Duration) *PageCache {
	return &PageCache{
		entries: make(map[string]pageCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached page for url if present and not expired
func (c *PageCache) Get(url string) (*PageContent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	if !ok {
		return nil, false
	}

	if c.now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}

	// Hand out a copy so callers can't modify the cached page
	pageCopy := *entry.page
	return &pageCopy, true
}

// Set stores a page for url
func (c *PageCache) Set(url string, page *PageContent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pageCopy := *page
	c.entries[url] = pageCacheEntry{page: &pageCopy, storedAt: c.now()}
}

// Prune drops expired entries and returns how many were removed
func (c *PageCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for url, entry := range c.entries {
		if c.now().Sub(entry.storedAt) > c.ttl {
			delete(c.entries, url)
			removed++
		}
	}
	return removed
}

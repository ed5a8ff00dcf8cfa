// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package cache

import (
	"sync"
	"time"
)

// lruEntry is a node in the LRU's doubly-linked list.
type lruEntry struct {
	key       string
	value     time.Time
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// LRUCache is a thread-safe least-recently-used cache mapping string keys to
// timestamps, with TTL-based lazy expiration. The dedup throttle and the
// per-device rate limiters use it to remember "last emitted at" per stable
// identifier with O(1) lookup and bounded memory.
type LRUCache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruEntry
	head     *lruEntry
	tail     *lruEntry
	now      func() time.Time
}

// NewLRUCache creates an LRU with the given capacity and TTL.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	head := &lruEntry{}
	tail := &lruEntry{}
	head.next = tail
	tail.prev = head
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *LRUCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the value for key and whether it was present and unexpired.
// A hit refreshes recency but not the TTL.
func (c *LRUCache) Get(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return time.Time{}, false
	}
	if c.now().After(entry.expiresAt) {
		c.removeLocked(entry)
		return time.Time{}, false
	}
	c.moveToFrontLocked(entry)
	return entry.value, true
}

// Add inserts or updates key, evicting the least recently used entry when
// at capacity.
func (c *LRUCache) Add(key string, value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[key]; ok {
		entry.value = value
		entry.expiresAt = c.now().Add(c.ttl)
		c.moveToFrontLocked(entry)
		return
	}

	if len(c.items) >= c.capacity {
		if oldest := c.tail.prev; oldest != c.head {
			c.removeLocked(oldest)
		}
	}

	entry := &lruEntry{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
	c.items[key] = entry
	c.insertFrontLocked(entry)
}

// Remove deletes key.
func (c *LRUCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[key]; ok {
		c.removeLocked(entry)
	}
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// CleanupExpired removes all expired entries eagerly and returns how many
// were removed. The dedup sweep calls this periodically.
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, entry := range c.items {
		if now.After(entry.expiresAt) {
			c.removeLocked(entry)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*lruEntry)
	c.head.next = c.tail
	c.tail.prev = c.head
}

func (c *LRUCache) insertFrontLocked(entry *lruEntry) {
	entry.next = c.head.next
	entry.prev = c.head
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *LRUCache) moveToFrontLocked(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.insertFrontLocked(entry)
}

func (c *LRUCache) removeLocked(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

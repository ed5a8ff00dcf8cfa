// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package cache

import (
	"sync"
	"time"
)

// SlidingWindowCounter counts events within a rolling time window by
// dividing the window into buckets and summing them. Used for the BLE spam
// counters (Apple / Fast Pair advertisement bursts) and per-method cellular
// rate windows.
//
// Complexity: Increment O(1), Count O(k) for k buckets, memory O(k).
type SlidingWindowCounter struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	windowSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
	now        func() time.Time
}

// NewSlidingWindowCounter creates a counter covering windowSize split into
// numBuckets buckets.
func NewSlidingWindowCounter(windowSize time.Duration, numBuckets int) *SlidingWindowCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	c := &SlidingWindowCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		windowSize: windowSize,
		numBuckets: numBuckets,
		now:        time.Now,
	}
	c.lastUpdate = c.now()
	return c
}

// SetClock overrides the time source. Test hook.
func (c *SlidingWindowCounter) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.lastUpdate = now()
}

// Increment adds delta to the current bucket.
func (c *SlidingWindowCounter) Increment(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	c.buckets[c.current] += delta
}

// Count returns the total across all buckets still inside the window.
func (c *SlidingWindowCounter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	var total int64
	for _, n := range c.buckets {
		total += n
	}
	return total
}

// Reset clears all buckets.
func (c *SlidingWindowCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buckets {
		c.buckets[i] = 0
	}
	c.current = 0
	c.lastUpdate = c.now()
}

// advance rotates expired buckets out. Must be called with the lock held.
func (c *SlidingWindowCounter) advance() {
	elapsed := c.now().Sub(c.lastUpdate)
	n := int(elapsed / c.bucketSize)
	if n <= 0 {
		return
	}
	if n >= c.numBuckets {
		for i := range c.buckets {
			c.buckets[i] = 0
		}
		c.current = 0
	} else {
		for i := 0; i < n; i++ {
			c.current = (c.current + 1) % c.numBuckets
			c.buckets[c.current] = 0
		}
	}
	c.lastUpdate = c.now()
}

// SlidingWindowStore keys SlidingWindowCounters by device identifier.
// At capacity an arbitrary counter is evicted; burst detection tolerates
// losing a cold key.
type SlidingWindowStore struct {
	mu         sync.RWMutex
	counters   map[string]*SlidingWindowCounter
	windowSize time.Duration
	numBuckets int
	maxKeys    int
}

// NewSlidingWindowStore creates a keyed counter store. maxKeys of 0 means
// unlimited.
func NewSlidingWindowStore(windowSize time.Duration, numBuckets, maxKeys int) *SlidingWindowStore {
	return &SlidingWindowStore{
		counters:   make(map[string]*SlidingWindowCounter),
		windowSize: windowSize,
		numBuckets: numBuckets,
		maxKeys:    maxKeys,
	}
}

// Increment adds 1 to the counter for key.
func (s *SlidingWindowStore) Increment(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key]
	if !ok {
		if s.maxKeys > 0 && len(s.counters) >= s.maxKeys {
			s.evictOne()
		}
		counter = NewSlidingWindowCounter(s.windowSize, s.numBuckets)
		s.counters[key] = counter
	}
	counter.Increment(1)
}

// Count returns the windowed count for key.
func (s *SlidingWindowStore) Count(key string) int64 {
	s.mu.RLock()
	counter, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return counter.Count()
}

// Len returns the number of tracked keys.
func (s *SlidingWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

// Clear removes all counters.
func (s *SlidingWindowStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*SlidingWindowCounter)
}

// CleanupInactive removes counters with no events in their window and
// returns how many were removed.
func (s *SlidingWindowStore) CleanupInactive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, counter := range s.counters {
		if counter.Count() == 0 {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// evictOne removes an arbitrary counter. Must be called with the lock held.
func (s *SlidingWindowStore) evictOne() {
	for key := range s.counters {
		delete(s.counters, key)
		return
	}
}

// UniqueValueCounter tracks distinct string values within a rolling window,
// used to count distinct advertised device names during a BLE spam burst.
type UniqueValueCounter struct {
	mu         sync.Mutex
	buckets    []map[string]struct{}
	bucketSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
	now        func() time.Time
}

// NewUniqueValueCounter creates a unique-value counter over windowSize.
func NewUniqueValueCounter(windowSize time.Duration, numBuckets int) *UniqueValueCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	buckets := make([]map[string]struct{}, numBuckets)
	for i := range buckets {
		buckets[i] = make(map[string]struct{})
	}
	c := &UniqueValueCounter{
		buckets:    buckets,
		bucketSize: windowSize / time.Duration(numBuckets),
		numBuckets: numBuckets,
		now:        time.Now,
	}
	c.lastUpdate = c.now()
	return c
}

// SetClock overrides the time source. Test hook.
func (c *UniqueValueCounter) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.lastUpdate = now()
}

// Add records value in the current bucket.
func (c *UniqueValueCounter) Add(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	c.buckets[c.current][value] = struct{}{}
}

// CountUnique returns the number of distinct values across the window.
func (c *UniqueValueCounter) CountUnique() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	merged := make(map[string]struct{})
	for _, bucket := range c.buckets {
		for v := range bucket {
			merged[v] = struct{}{}
		}
	}
	return len(merged)
}

// Reset clears all buckets.
func (c *UniqueValueCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buckets {
		c.buckets[i] = make(map[string]struct{})
	}
	c.current = 0
	c.lastUpdate = c.now()
}

// advance rotates expired buckets out. Must be called with the lock held.
func (c *UniqueValueCounter) advance() {
	elapsed := c.now().Sub(c.lastUpdate)
	n := int(elapsed / c.bucketSize)
	if n <= 0 {
		return
	}
	if n >= c.numBuckets {
		for i := range c.buckets {
			c.buckets[i] = make(map[string]struct{})
		}
		c.current = 0
	} else {
		for i := 0; i < n; i++ {
			c.current = (c.current + 1) % c.numBuckets
			c.buckets[c.current] = make(map[string]struct{})
		}
	}
	c.lastUpdate = c.now()
}

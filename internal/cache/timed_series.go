// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package cache

import (
	"math"
	"sync"
	"time"
)

// TimedSeries is a bounded sequence of timestamped float64 samples with a
// retention window. Entries older than the window are pruned on every
// access, which is the invariant that keeps per-device RSSI and CN0
// histories from growing without limit.
type TimedSeries struct {
	mu        sync.Mutex
	samples   []timedSample
	retention time.Duration
	maxLen    int
	now       func() time.Time
}

type timedSample struct {
	at    time.Time
	value float64
}

// NewTimedSeries creates a series retaining samples for the given window,
// capped at maxLen samples (oldest dropped first). maxLen of 0 means the
// cap defaults to 256.
func NewTimedSeries(retention time.Duration, maxLen int) *TimedSeries {
	if retention <= 0 {
		retention = time.Minute
	}
	if maxLen <= 0 {
		maxLen = 256
	}
	return &TimedSeries{
		retention: retention,
		maxLen:    maxLen,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *TimedSeries) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Add appends a sample at the current time.
func (s *TimedSeries) Add(value float64) {
	s.AddAt(value, time.Time{})
}

// AddAt appends a sample at the given time. A zero time means now.
func (s *TimedSeries) AddAt(value float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = s.now()
	}
	s.samples = append(s.samples, timedSample{at: at, value: value})
	s.pruneLocked()
}

// Len returns the number of retained samples.
func (s *TimedSeries) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.samples)
}

// Values returns the retained sample values, oldest first.
func (s *TimedSeries) Values() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]float64, len(s.samples))
	for i, smp := range s.samples {
		out[i] = smp.value
	}
	return out
}

// Oldest returns the timestamp of the oldest retained sample, or zero time
// if the series is empty.
func (s *TimedSeries) Oldest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if len(s.samples) == 0 {
		return time.Time{}
	}
	return s.samples[0].at
}

// Span returns the duration between the oldest and newest retained samples.
func (s *TimedSeries) Span() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if len(s.samples) < 2 {
		return 0
	}
	return s.samples[len(s.samples)-1].at.Sub(s.samples[0].at)
}

// Mean returns the mean of retained samples, or 0 when empty.
func (s *TimedSeries) Mean() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if len(s.samples) == 0 {
		return 0
	}
	var sum float64
	for _, smp := range s.samples {
		sum += smp.value
	}
	return sum / float64(len(s.samples))
}

// Variance returns the population variance of retained samples, or 0 when
// fewer than two samples remain.
func (s *TimedSeries) Variance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	n := len(s.samples)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, smp := range s.samples {
		sum += smp.value
	}
	mean := sum / float64(n)
	var ss float64
	for _, smp := range s.samples {
		d := smp.value - mean
		ss += d * d
	}
	return ss / float64(n)
}

// StdDev returns the population standard deviation of retained samples.
func (s *TimedSeries) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// RatePerSecond returns samples-per-second over the retained span. Useful
// where each sample marks one packet arrival and the value is ignored.
func (s *TimedSeries) RatePerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	n := len(s.samples)
	if n < 2 {
		return 0
	}
	span := s.samples[n-1].at.Sub(s.samples[0].at).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

// Clear drops all samples.
func (s *TimedSeries) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
}

// pruneLocked drops samples outside the retention window and enforces the
// length cap. Must be called with the lock held.
func (s *TimedSeries) pruneLocked() {
	cutoff := s.now().Add(-s.retention)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
	if over := len(s.samples) - s.maxLen; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
}

// TimedSeriesStore keys TimedSeries by device identifier with capacity
// eviction, giving handlers safe concurrent per-device histories.
type TimedSeriesStore struct {
	mu        sync.RWMutex
	series    map[string]*TimedSeries
	retention time.Duration
	maxLen    int
	maxKeys   int
	now       func() time.Time
}

// NewTimedSeriesStore creates a keyed series store. maxKeys of 0 means
// unlimited.
func NewTimedSeriesStore(retention time.Duration, maxLen, maxKeys int) *TimedSeriesStore {
	return &TimedSeriesStore{
		series:    make(map[string]*TimedSeries),
		retention: retention,
		maxLen:    maxLen,
		maxKeys:   maxKeys,
	}
}

// SetClock injects a time source applied to subsequently created series.
func (s *TimedSeriesStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, ts := range s.series {
		ts.SetClock(now)
	}
}

// Get returns the series for key, creating it if absent.
func (s *TimedSeriesStore) Get(key string) *TimedSeries {
	s.mu.RLock()
	ts, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok = s.series[key]; ok {
		return ts
	}
	if s.maxKeys > 0 && len(s.series) >= s.maxKeys {
		for k := range s.series {
			delete(s.series, k)
			break
		}
	}
	ts = NewTimedSeries(s.retention, s.maxLen)
	if s.now != nil {
		ts.SetClock(s.now)
	}
	s.series[key] = ts
	return ts
}

// Peek returns the series for key without creating it.
func (s *TimedSeriesStore) Peek(key string) (*TimedSeries, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.series[key]
	return ts, ok
}

// Remove deletes the series for key.
func (s *TimedSeriesStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, key)
}

// Len returns the number of tracked keys.
func (s *TimedSeriesStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

// Clear removes all series.
func (s *TimedSeriesStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string]*TimedSeries)
}

// CleanupEmpty removes series whose retention window has fully expired and
// returns how many were removed.
func (s *TimedSeriesStore) CleanupEmpty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, ts := range s.series {
		if ts.Len() == 0 {
			delete(s.series, key)
			removed++
		}
	}
	return removed
}

// TimedLog is a bounded sequence of timestamped opaque entries with a
// retention window, pruned on every access. Handlers use it for sighting
// histories that carry more than a scalar (location plus metadata for
// tracker-following and activation recurrence checks).
type TimedLog struct {
	mu        sync.Mutex
	entries   []TimedEntry
	retention time.Duration
	maxLen    int
	now       func() time.Time
}

// TimedEntry is one entry in a TimedLog.
type TimedEntry struct {
	At   time.Time
	Data any
}

// NewTimedLog creates a log retaining entries for the given window, capped
// at maxLen entries.
func NewTimedLog(retention time.Duration, maxLen int) *TimedLog {
	if retention <= 0 {
		retention = time.Hour
	}
	if maxLen <= 0 {
		maxLen = 128
	}
	return &TimedLog{retention: retention, maxLen: maxLen, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (l *TimedLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append adds an entry. A zero time means now.
func (l *TimedLog) Append(at time.Time, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.IsZero() {
		at = l.now()
	}
	l.entries = append(l.entries, TimedEntry{At: at, Data: data})
	l.pruneLocked()
}

// Entries returns the retained entries, oldest first.
func (l *TimedLog) Entries() []TimedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	out := make([]TimedEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *TimedLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	return len(l.entries)
}

// Clear drops all entries.
func (l *TimedLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// pruneLocked drops expired entries and enforces the cap. Must be called
// with the lock held.
func (l *TimedLog) pruneLocked() {
	cutoff := l.now().Add(-l.retention)
	i := 0
	for i < len(l.entries) && l.entries[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
	if over := len(l.entries) - l.maxLen; over > 0 {
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
}

// TimedLogStore keys TimedLogs by device identifier.
type TimedLogStore struct {
	mu        sync.RWMutex
	logs      map[string]*TimedLog
	retention time.Duration
	maxLen    int
	maxKeys   int
	now       func() time.Time
}

// NewTimedLogStore creates a keyed log store. maxKeys of 0 means unlimited.
func NewTimedLogStore(retention time.Duration, maxLen, maxKeys int) *TimedLogStore {
	return &TimedLogStore{
		logs:      make(map[string]*TimedLog),
		retention: retention,
		maxLen:    maxLen,
		maxKeys:   maxKeys,
	}
}

// SetClock injects a time source applied to subsequently created logs.
func (s *TimedLogStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, l := range s.logs {
		l.SetClock(now)
	}
}

// Get returns the log for key, creating it if absent.
func (s *TimedLogStore) Get(key string) *TimedLog {
	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[key]; ok {
		return l
	}
	if s.maxKeys > 0 && len(s.logs) >= s.maxKeys {
		for k := range s.logs {
			delete(s.logs, k)
			break
		}
	}
	l = NewTimedLog(s.retention, s.maxLen)
	if s.now != nil {
		l.SetClock(s.now)
	}
	s.logs[key] = l
	return l
}

// Peek returns the log for key without creating it.
func (s *TimedLogStore) Peek(key string) (*TimedLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[key]
	return l, ok
}

// Len returns the number of tracked keys.
func (s *TimedLogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

// Clear removes all logs.
func (s *TimedLogStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string]*TimedLog)
}

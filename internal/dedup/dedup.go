// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package dedup folds repeat sightings of the same physical device into
// one Detection record. BLE MAC randomization means the same tracker
// can reappear under a fresh address every few minutes, so identity is
// resolved through a cascade of strategies rather than the MAC alone.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/detection"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/logging"
	"github.com/counterveil/counterveil/internal/metrics"
)

// matchStrategy labels which cascade stage matched, for metrics.
type matchStrategy string

const (
	strategyMAC       matchStrategy = "mac"
	strategyJaccard   matchStrategy = "uuid_jaccard"
	strategyComposite matchStrategy = "composite"
	strategyGeo       matchStrategy = "geo"
	strategySSIDFuzzy matchStrategy = "ssid_fuzzy"
)

// trackedDetection is one remembered sighting.
type trackedDetection struct {
	detection *detection.Detection
	firstSeen time.Time
	lastSeen  time.Time
}

// Deduplicator matches candidate detections against recent sightings
// and throttles repeat emission. Safe for concurrent use by all scan
// producers.
type Deduplicator struct {
	cfg config.DedupConfig
	now func() time.Time

	mu       sync.Mutex
	tracked  map[string]*trackedDetection // keyed by detection ID
	throttle map[string]time.Time         // stable ID -> last emission
}

// New constructs a deduplicator.
func New(cfg config.DedupConfig) *Deduplicator {
	return &Deduplicator{
		cfg:      cfg,
		now:      time.Now,
		tracked:  make(map[string]*trackedDetection),
		throttle: make(map[string]time.Time),
	}
}

// SetClock injects a time source for tests.
func (dd *Deduplicator) SetClock(now func() time.Time) { dd.now = now }

// Admit decides what to publish for a candidate detection: nil when
// throttled, the merged prior record on a match, the candidate itself
// when the device is new.
func (dd *Deduplicator) Admit(d *detection.Detection) *detection.Detection {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	now := dd.now()

	if dd.shouldThrottleLocked(d, now) {
		return nil
	}

	if match, strategy := dd.findMatchLocked(d); match != nil {
		merged := dd.mergeLocked(match, d, now)
		metrics.RecordMerge(string(strategy))
		logging.Debug().
			Str("strategy", string(strategy)).
			Str("device", merged.Name).
			Int("seenCount", merged.SeenCount).
			Msg("merged repeat sighting")
		return merged
	}

	dd.trackLocked(d, now)
	return d
}

// FindMatch runs the identity cascade against the tracked set. Exposed
// for tests; Admit is the production entry point.
func (dd *Deduplicator) FindMatch(d *detection.Detection) *detection.Detection {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	match, _ := dd.findMatchLocked(d)
	if match == nil {
		return nil
	}
	return match.detection
}

// findMatchLocked applies the strict strategy cascade; the first hit
// wins.
func (dd *Deduplicator) findMatchLocked(d *detection.Detection) (*trackedDetection, matchStrategy) {
	mac := detection.NormalizeMAC(d.MAC)
	candidateUUIDs := normalizedUUIDSet(d.ServiceUUIDs)
	composite := CompositeKey(d)

	// 1. Exact MAC.
	if mac != "" {
		for _, t := range dd.tracked {
			if detection.NormalizeMAC(t.detection.MAC) == mac {
				return t, strategyMAC
			}
		}
	}

	// 2. BLE service-UUID Jaccard overlap, tolerant of randomized MACs.
	if d.Protocol == detection.ProtocolBLE && len(candidateUUIDs) > 0 {
		for _, t := range dd.tracked {
			if t.detection.Protocol != detection.ProtocolBLE {
				continue
			}
			existing := normalizedUUIDSet(t.detection.ServiceUUIDs)
			if len(existing) == 0 {
				continue
			}
			if JaccardSimilarity(candidateUUIDs, existing) >= dd.cfg.JaccardThreshold {
				return t, strategyJaccard
			}
		}
	}

	// 3. Composite hardware-class key.
	for _, t := range dd.tracked {
		if CompositeKey(t.detection) == composite {
			return t, strategyComposite
		}
	}

	// 4. Geospatial proximity, same device type and protocol.
	if d.Location != nil && d.Location.Valid() {
		for _, t := range dd.tracked {
			e := t.detection
			if e.DeviceType != d.DeviceType || e.Protocol != d.Protocol {
				continue
			}
			if e.Location == nil || !e.Location.Valid() {
				continue
			}
			if geo.DistanceMeters(*d.Location, *e.Location) <= dd.cfg.GeoProximityMeters {
				return t, strategyGeo
			}
		}
	}

	// 5. SSID fuzzy match, same device type.
	if d.SSID != "" {
		for _, t := range dd.tracked {
			e := t.detection
			if e.DeviceType != d.DeviceType || e.SSID == "" {
				continue
			}
			if SSIDSimilarity(d.SSID, e.SSID) >= dd.cfg.SSIDSimilarity {
				return t, strategySSIDFuzzy
			}
		}
	}

	return nil, ""
}

// mergeLocked folds the candidate into a copy of the prior record. The
// merged record keeps the original identity but reflects the latest
// sighting. Records already emitted onto the bus are read concurrently
// by subscribers and must never be written again, so the copy replaces
// the tracked record and the prior pointer is left untouched.
func (dd *Deduplicator) mergeLocked(t *trackedDetection, d *detection.Detection, now time.Time) *detection.Detection {
	merged := *t.detection
	merged.SeenCount++
	merged.LastSeen = d.LastSeen
	merged.RSSI = d.RSSI
	merged.SignalBucket = d.SignalBucket
	if d.Location != nil && d.Location.Valid() {
		merged.Location = d.Location
	}
	if d.Score > merged.Score {
		merged.Score = d.Score
		merged.Level = d.Level
	}
	if merged.MAC == "" && d.MAC != "" {
		merged.MAC = d.MAC
	}
	t.detection = &merged
	t.lastSeen = now
	dd.markEmittedLocked(d, now)
	return &merged
}

func (dd *Deduplicator) trackLocked(d *detection.Detection, now time.Time) {
	if len(dd.tracked) >= dd.cfg.MaxTrackedDetections {
		dd.evictOldestLocked()
	}
	dd.tracked[d.ID] = &trackedDetection{detection: d, firstSeen: now, lastSeen: now}
	dd.markEmittedLocked(d, now)
	metrics.DedupTrackedDetections.Set(float64(len(dd.tracked)))
}

func (dd *Deduplicator) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, t := range dd.tracked {
		if oldestID == "" || t.lastSeen.Before(oldestAt) {
			oldestID = id
			oldestAt = t.lastSeen
		}
	}
	if oldestID != "" {
		delete(dd.tracked, oldestID)
	}
}

// ShouldThrottle reports whether an identical detection was emitted
// within the throttle window. Exposed for tests.
func (dd *Deduplicator) ShouldThrottle(d *detection.Detection) bool {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	return dd.shouldThrottleLocked(d, dd.now())
}

func (dd *Deduplicator) shouldThrottleLocked(d *detection.Detection, now time.Time) bool {
	key := StableID(d)
	last, seen := dd.throttle[key]
	return seen && now.Sub(last) < dd.cfg.ThrottleWindow
}

func (dd *Deduplicator) markEmittedLocked(d *detection.Detection, now time.Time) {
	dd.throttle[StableID(d)] = now
}

// Sweep evicts expired throttle entries and stale tracked detections.
// Returns the number of entries removed.
func (dd *Deduplicator) Sweep() int {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	now := dd.now()
	removed := 0

	// Throttle entries expire at twice the window; beyond that they can
	// never suppress anything.
	throttleCutoff := now.Add(-2 * dd.cfg.ThrottleWindow)
	for key, last := range dd.throttle {
		if last.Before(throttleCutoff) {
			delete(dd.throttle, key)
			removed++
		}
	}

	trackedCutoff := now.Add(-dd.cfg.RetentionWindow)
	for id, t := range dd.tracked {
		if t.lastSeen.Before(trackedCutoff) {
			delete(dd.tracked, id)
			metrics.HistoryEvictions.WithLabelValues("dedup").Inc()
			removed++
		}
	}
	metrics.DedupTrackedDetections.Set(float64(len(dd.tracked)))
	return removed
}

// TrackedCount reports the number of remembered detections.
func (dd *Deduplicator) TrackedCount() int {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	return len(dd.tracked)
}

// RunWithContext sweeps periodically until the context is canceled.
// Designed for suture supervision.
func (dd *Deduplicator) RunWithContext(ctx context.Context) error {
	ticker := time.NewTicker(dd.cfg.SweepInterval)
	defer ticker.Stop()

	logging.Info().Dur("interval", dd.cfg.SweepInterval).Msg("dedup sweep started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := dd.Sweep(); n > 0 {
				logging.Debug().Int("evicted", n).Msg("dedup sweep")
			}
		}
	}
}

// CompositeKey hashes the hardware-class identity fields. Two sightings
// of the same device class from the same manufacturer prefix collide by
// design.
func CompositeKey(d *detection.Detection) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s",
		d.DeviceType, d.Protocol, strings.ToLower(d.Manufacturer), detection.MACOUI(d.MAC))
	return "composite:" + hex.EncodeToString(h.Sum(nil))[:16]
}

// StableID derives the most stable identity available for throttling.
// A real (globally administered) MAC wins; randomized BLE addresses
// fall back to a synthesized fingerprint, and only when that cannot be
// trusted does the composite class key serve.
func StableID(d *detection.Detection) string {
	mac := detection.NormalizeMAC(d.MAC)
	if mac != "" && !detection.IsLocallyAdministered(mac) {
		return "mac:" + mac
	}
	if d.Protocol == detection.ProtocolBLE {
		if id, ok := synthesizedBLEID(d); ok {
			return id
		}
	}
	return CompositeKey(d)
}

// synthesizedBLEID fingerprints a randomized-MAC BLE device from its
// stable advertisement content. At least two independent signals are
// required before the synthetic identity is trusted.
func synthesizedBLEID(d *detection.Detection) (string, bool) {
	var signals []string

	if uuids := normalizedUUIDSet(d.ServiceUUIDs); len(uuids) > 0 {
		sorted := make([]string, 0, len(uuids))
		for u := range uuids {
			sorted = append(sorted, u)
		}
		sort.Strings(sorted)
		signals = append(signals, "uuids="+strings.Join(sorted, ","))
	}
	if d.Name != "" && !detection.IsGenericName(d.Name) {
		signals = append(signals, "name="+strings.ToLower(d.Name))
	}
	if d.DeviceType != "" {
		signals = append(signals, "type="+string(d.DeviceType))
	}
	if d.Manufacturer != "" && !strings.EqualFold(d.Manufacturer, "unknown") {
		signals = append(signals, "mfr="+strings.ToLower(d.Manufacturer))
	}
	if len(d.RawData) > 0 {
		sum := sha256.Sum256(d.RawData)
		signals = append(signals, "payload="+hex.EncodeToString(sum[:])[:12])
	}

	if len(signals) < 2 {
		return "", false
	}
	h := sha256.Sum256([]byte(strings.Join(signals, "|")))
	return "synth:" + hex.EncodeToString(h[:])[:16], true
}

// JaccardSimilarity is intersection over union of two sets.
func JaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// SSIDSimilarity maps Levenshtein distance onto [0,1], 1 for identical
// strings. Comparison is case-insensitive.
func SSIDSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// normalizedUUIDSet lowercases and short-forms a UUID list.
func normalizedUUIDSet(uuids []string) map[string]bool {
	if len(uuids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		u = strings.ToLower(strings.TrimSpace(u))
		if len(u) == 36 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "-0000-1000-8000-00805f9b34fb") {
			u = u[4:8]
		}
		if u != "" {
			set[u] = true
		}
	}
	return set
}

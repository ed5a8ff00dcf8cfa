// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/counterveil/counterveil/internal/cache"
	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/logging"
	"github.com/counterveil/counterveil/internal/threat"
)

// BLEHandler analyzes BLE advertisements through a short-circuiting
// pipeline: spam attack, advertising-rate spike, service-UUID match,
// device-name match, OUI match, then consumer-tracker following
// analysis. All state is per-MAC and window-pruned.
type BLEHandler struct {
	mu        sync.RWMutex
	enabled   bool
	cfg       config.BLEConfig
	floor     int
	rateLimit time.Duration
	now       func() time.Time

	nameMatcher *cache.AhoCorasick

	lastDetection *cache.LRUCache // per-MAC rate limit
	rssiHistory   *cache.TimedSeriesStore
	packetTimes   *cache.TimedSeriesStore
	sightings     *cache.TimedLogStore // tracker sightings with location
	activations   *cache.TimedLogStore // rate-spike activations with location

	appleAds    *cache.SlidingWindowCounter
	fastPairAds *cache.SlidingWindowCounter
	spamNames   *cache.UniqueValueCounter

	spamMu            sync.Mutex
	spamCooldownUntil time.Time
}

// NewBLEHandler constructs the BLE analyzer from the shared detection
// thresholds plus its own config section.
func NewBLEHandler(det config.DetectionConfig, cfg config.BLEConfig) *BLEHandler {
	return &BLEHandler{
		enabled:   cfg.Enabled,
		cfg:       cfg,
		floor:     det.RSSIFloor,
		rateLimit: det.DeviceRateLimit,
		now:       time.Now,

		nameMatcher: buildNameMatcher(),

		lastDetection: cache.NewLRUCache(det.MaxTrackedDevices, det.DeviceRateLimit),
		rssiHistory:   cache.NewTimedSeriesStore(time.Hour, 512, det.MaxTrackedDevices),
		packetTimes:   cache.NewTimedSeriesStore(10*time.Second, 1024, det.MaxTrackedDevices),
		sightings:     cache.NewTimedLogStore(cfg.FollowingWindow, 256, det.MaxTrackedDevices),
		activations:   cache.NewTimedLogStore(cfg.ActivationRetention, 256, det.MaxTrackedDevices),

		appleAds:    cache.NewSlidingWindowCounter(cfg.SpamWindow, 10),
		fastPairAds: cache.NewSlidingWindowCounter(cfg.SpamWindow, 10),
		spamNames:   cache.NewUniqueValueCounter(cfg.SpamWindow, 10),
	}
}

// SetClock injects a time source for tests.
func (h *BLEHandler) SetClock(now func() time.Time) {
	h.now = now
	h.lastDetection.SetClock(now)
	h.appleAds.SetClock(now)
	h.fastPairAds.SetClock(now)
	h.spamNames.SetClock(now)
	h.rssiHistory.SetClock(now)
	h.packetTimes.SetClock(now)
	h.sightings.SetClock(now)
	h.activations.SetClock(now)
}

func (h *BLEHandler) Protocol() Protocol { return ProtocolBLE }

// Enabled reports whether the handler processes advertisements.
func (h *BLEHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *BLEHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

// Configure replaces the handler's config section.
func (h *BLEHandler) Configure(raw json.RawMessage) error {
	var cfg config.BLEConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid ble config: %w", err)
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

// Stop flushes all per-device histories synchronously.
func (h *BLEHandler) Stop() {
	h.rssiHistory.Clear()
	h.packetTimes.Clear()
	h.sightings.Clear()
	h.activations.Clear()
	h.lastDetection.Clear()
	h.appleAds.Reset()
	h.fastPairAds.Reset()
	h.spamNames.Reset()
}

// Handle runs the detection pipeline over one advertisement.
func (h *BLEHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	bc, ok := observation.(*BLEContext)
	if !ok {
		return nil, fmt.Errorf("expected *BLEContext, got %T", observation)
	}

	mac := NormalizeMAC(bc.MAC)
	if mac == "" {
		return nil, fmt.Errorf("unparseable MAC %q", bc.MAC)
	}

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	h.recordObservation(mac, bc)

	// Spam detection runs before the RSSI floor and rate limit: spam
	// advertisements are typically strong, short-lived, and come from
	// rotating MACs.
	if d := h.checkSpamAttack(cfg, bc); d != nil {
		return d, nil
	}

	if bc.RSSI < h.floor {
		return nil, nil
	}
	if h.rateLimited(mac) {
		return nil, nil
	}

	if d := h.checkRateSpike(cfg, mac, bc); d != nil {
		h.markDetected(mac)
		return d, nil
	}
	if d := h.checkServiceUUIDs(cfg, mac, bc, true); d != nil {
		h.markDetected(mac)
		return d, nil
	}
	if d := h.checkDeviceName(mac, bc); d != nil {
		h.markDetected(mac)
		return d, nil
	}
	if d := h.checkServiceUUIDs(cfg, mac, bc, false); d != nil {
		h.markDetected(mac)
		return d, nil
	}
	if d := h.checkOUI(mac, bc); d != nil {
		h.markDetected(mac)
		return d, nil
	}
	if d := h.checkTrackerData(cfg, mac, bc); d != nil {
		h.markDetected(mac)
		return d, nil
	}

	return nil, nil
}

// recordObservation updates the per-MAC sliding histories.
func (h *BLEHandler) recordObservation(mac string, bc *BLEContext) {
	h.rssiHistory.Get(mac).AddAt(float64(bc.RSSI), bc.Timestamp)
	h.packetTimes.Get(mac).AddAt(0, bc.Timestamp)
}

func (h *BLEHandler) rateLimited(mac string) bool {
	_, hit := h.lastDetection.Get(mac)
	return hit
}

func (h *BLEHandler) markDetected(mac string) {
	h.lastDetection.Add(mac, h.now())
}

// checkSpamAttack counts Apple proximity-pairing and FastPair
// advertisements plus distinct advertised names inside the spam window.
// Crossing any threshold flags a popup-spam attack, itself
// cooldown-limited to avoid alert storms.
func (h *BLEHandler) checkSpamAttack(cfg config.BLEConfig, bc *BLEContext) *Detection {
	if payload, ok := bc.ManufacturerData[manufacturerApple]; ok {
		if t, ok := payloadType(payload); ok && (t == applePayloadAirPods || t == applePayloadNearby) {
			h.appleAds.Increment(1)
		}
	}
	if _, ok := bc.ManufacturerData[manufacturerGoogle]; ok {
		h.fastPairAds.Increment(1)
	}
	if !isGenericName(bc.Name) {
		h.spamNames.Add(bc.Name)
	}

	apple := h.appleAds.Count()
	fastPair := h.fastPairAds.Count()
	names := h.spamNames.CountUnique()

	var kind string
	switch {
	case apple >= int64(cfg.SpamAppleThreshold):
		kind = "Apple popup spam"
	case fastPair >= int64(cfg.SpamFastPairThreshold):
		kind = "FastPair popup spam"
	case names >= cfg.SpamNameThreshold:
		kind = "device-name impersonation flood"
	default:
		return nil
	}

	h.spamMu.Lock()
	now := h.now()
	if now.Before(h.spamCooldownUntil) {
		h.spamMu.Unlock()
		return nil
	}
	h.spamCooldownUntil = now.Add(cfg.SpamCooldown)
	h.spamMu.Unlock()

	res := threat.Score(threat.Input{
		BaseLikelihood:        75,
		DeviceType:            threat.DeviceHackingTool,
		SignalMetric:          bc.RSSI,
		SeenCount:             1,
		HasMultipleIndicators: true,
	})

	logging.Warn().
		Int64("apple_ads", apple).
		Int64("fastpair_ads", fastPair).
		Int("distinct_names", names).
		Msg("BLE spam attack detected")

	return h.newDetection(bc, MethodSpamAttack, threat.DeviceHackingTool,
		"BLE Spam Attack", "Unknown", res,
		fmt.Sprintf("%s: %d Apple / %d FastPair ads, %d names in %s",
			kind, apple, fastPair, names, cfg.SpamWindow))
}

// checkRateSpike flags Axon-style "signal trigger" activations: a burst
// of advertisements far above the ~1pps baseline from hardware in the
// body-camera family. Late-night spikes score maximum; very frequent
// recurring activations at the same spot are discounted slightly as
// probable fixed equipment.
func (h *BLEHandler) checkRateSpike(cfg config.BLEConfig, mac string, bc *BLEContext) *Detection {
	if bc.AdvertisingRate < cfg.RateSpikeThreshold {
		return nil
	}
	if _, ok := bc.ManufacturerData[manufacturerAxon]; !ok {
		return nil
	}

	log := h.activations.Get(mac)
	recurring, todayCount := h.activationRecurrence(cfg, log, bc)
	log.Append(bc.Timestamp, bc.Location)

	res := threat.Score(threat.Input{
		BaseLikelihood:        95,
		DeviceType:            threat.DeviceBodyCamera,
		SignalMetric:          bc.RSSI,
		SeenCount:             todayCount + 1,
		HasMultipleIndicators: true,
	})

	bucket := timeOfDayBucket(bc.Timestamp)
	score := res.Score
	if score < 80 {
		score = 80
	}
	if recurring && todayCount >= 5 {
		score -= 5
	}
	if bucket == "night" {
		score = 100
	}
	res.Score = score
	res.Severity = threat.SeverityForScore(score)

	desc := fmt.Sprintf("advertising rate %.0f pps (baseline ~1), %s activation", bc.AdvertisingRate, bucket)
	if recurring {
		desc += fmt.Sprintf(", recurring location (%d today)", todayCount)
	}

	return h.newDetection(bc, MethodRateSpike, threat.DeviceBodyCamera,
		"Axon Signal Activation", "Axon", res, desc)
}

// activationRecurrence reports whether a prior activation happened
// within the recurring radius at least the minimum gap ago, and how many
// prior activations fall inside the current day.
func (h *BLEHandler) activationRecurrence(cfg config.BLEConfig, log *cache.TimedLog, bc *BLEContext) (bool, int) {
	recurring := false
	today := 0
	dayStart := bc.Timestamp.Truncate(24 * time.Hour)

	for _, e := range log.Entries() {
		if !e.At.Before(dayStart) {
			today++
		}
		if recurring || bc.Location == nil {
			continue
		}
		prior, ok := e.Data.(*geo.Point)
		if !ok || prior == nil {
			continue
		}
		if bc.Timestamp.Sub(e.At) >= cfg.RecurringMinGap &&
			geo.DistanceMeters(*prior, *bc.Location) < cfg.RecurringRadiusMeters {
			recurring = true
		}
	}
	return recurring, today
}

// checkServiceUUIDs matches advertised service UUIDs against the known
// table. priorityOnly restricts the pass to priority signatures, which
// run ahead of name matching.
func (h *BLEHandler) checkServiceUUIDs(cfg config.BLEConfig, mac string, bc *BLEContext, priorityOnly bool) *Detection {
	for _, raw := range bc.ServiceUUIDs {
		sig, ok := serviceUUIDSignatures[normalizeUUID(raw)]
		if !ok || sig.Priority != priorityOnly {
			continue
		}

		if sig.DeviceType == threat.DeviceConsumerTracker {
			return h.trackerDetection(cfg, mac, bc, sig.Name, sig.Manufacturer, sig.Likelihood,
				fmt.Sprintf("service UUID %s", normalizeUUID(raw)))
		}

		res := threat.Score(threat.Input{
			BaseLikelihood:        sig.Likelihood,
			DeviceType:            sig.DeviceType,
			SignalMetric:          bc.RSSI,
			SeenCount:             h.seenCount(mac),
			HasMultipleIndicators: len(bc.ServiceUUIDs) > 1,
		})
		return h.newDetection(bc, MethodServiceUUID, sig.DeviceType, sig.Name, sig.Manufacturer, res,
			fmt.Sprintf("service UUID %s", normalizeUUID(raw)))
	}
	return nil
}

// checkDeviceName matches the advertised name against the pattern table.
func (h *BLEHandler) checkDeviceName(mac string, bc *BLEContext) *Detection {
	if isGenericName(bc.Name) {
		return nil
	}
	m, ok := h.nameMatcher.SearchFirst(bc.Name)
	if !ok {
		return nil
	}
	sig, ok := m.Data.(nameSignature)
	if !ok {
		return nil
	}

	res := threat.Score(threat.Input{
		BaseLikelihood:        sig.Likelihood,
		DeviceType:            sig.DeviceType,
		SignalMetric:          bc.RSSI,
		SeenCount:             h.seenCount(mac),
		HasMultipleIndicators: len(bc.ServiceUUIDs) > 0,
	})
	return h.newDetection(bc, MethodDeviceName, sig.DeviceType, sig.Name, sig.Manufacturer, res,
		fmt.Sprintf("name matched %q", m.Pattern))
}

// checkTrackerData identifies trackers from manufacturer data (AirTag,
// FindMy, SmartTag, Tile) and runs the following analysis on them.
func (h *BLEHandler) checkTrackerData(cfg config.BLEConfig, mac string, bc *BLEContext) *Detection {
	name, manufacturer, ok := identifyTracker(bc.ManufacturerData)
	if !ok {
		return nil
	}
	return h.trackerDetection(cfg, mac, bc, name, manufacturer, 55, "manufacturer data signature")
}

// checkOUI matches the MAC's manufacturer prefix against the table.
func (h *BLEHandler) checkOUI(mac string, bc *BLEContext) *Detection {
	sig, ok := ouiSignatures[MACOUI(mac)]
	if !ok {
		return nil
	}
	res := threat.Score(threat.Input{
		BaseLikelihood:   sig.Likelihood,
		DeviceType:       sig.DeviceType,
		SignalMetric:     bc.RSSI,
		SeenCount:        h.seenCount(mac),
		IsConsumerDevice: sig.DeviceType == threat.DeviceConsumerIoT,
	})
	return h.newDetection(bc, MethodOUIPrefix, sig.DeviceType, sig.Name, sig.Manufacturer, res,
		fmt.Sprintf("OUI %s (%s)", MACOUI(mac), sig.Manufacturer))
}

// trackerDetection records the sighting and evaluates following
// behavior: distinct locations over 24h plus possession-range RSSI
// escalate a passive tracker match into an active-stalking alert.
func (h *BLEHandler) trackerDetection(cfg config.BLEConfig, mac string, bc *BLEContext, name, manufacturer string, likelihood int, matched string) *Detection {
	log := h.sightings.Get(mac)
	if bc.Location != nil {
		log.Append(bc.Timestamp, *bc.Location)
	}

	following := h.isFollowing(cfg, log, bc.Timestamp)
	possession := h.isPossessionRange(cfg, mac)

	method := MethodServiceUUID
	if following {
		method = MethodTrackerFollowing
		likelihood += 30
		if likelihood > 95 {
			likelihood = 95
		}
		matched += ", following across locations"
	}
	if possession {
		matched += ", sustained possession-range signal"
	}

	res := threat.Score(threat.Input{
		BaseLikelihood:        likelihood,
		DeviceType:            threat.DeviceConsumerTracker,
		SignalMetric:          bc.RSSI,
		SeenCount:             log.Len(),
		HasMultipleIndicators: following || possession,
		IsConsumerDevice:      !following,
	})
	return h.newDetection(bc, method, threat.DeviceConsumerTracker, name, manufacturer, res, matched)
}

// isFollowing checks for sightings at the configured number of distinct
// locations, pairwise separated by the minimum distance and time gap,
// inside the following window.
func (h *BLEHandler) isFollowing(cfg config.BLEConfig, log *cache.TimedLog, now time.Time) bool {
	entries := log.Entries()
	cutoff := now.Add(-cfg.FollowingWindow)

	type sighting struct {
		at time.Time
		p  geo.Point
	}
	var distinct []sighting
	for _, e := range entries {
		if e.At.Before(cutoff) {
			continue
		}
		p, ok := e.Data.(geo.Point)
		if !ok || !p.Valid() {
			continue
		}
		isNew := true
		for _, d := range distinct {
			if geo.DistanceMeters(d.p, p) <= cfg.FollowingMinDistance ||
				absDuration(e.At.Sub(d.at)) < cfg.FollowingMinSeparation {
				isNew = false
				break
			}
		}
		if isNew {
			distinct = append(distinct, sighting{at: e.At, p: p})
		}
	}
	return len(distinct) >= cfg.FollowingMinLocations
}

// isPossessionRange checks for a strong, stable RSSI sustained long
// enough to indicate the tracker travels with the user.
func (h *BLEHandler) isPossessionRange(cfg config.BLEConfig, mac string) bool {
	series, ok := h.rssiHistory.Peek(mac)
	if !ok {
		return false
	}
	if series.Span() < cfg.PossessionMinDuration {
		return false
	}
	return series.Mean() >= float64(cfg.PossessionRSSI) &&
		series.Variance() <= cfg.PossessionMaxVariance
}

// seenCount approximates sighting persistence from the RSSI history.
func (h *BLEHandler) seenCount(mac string) int {
	series, ok := h.rssiHistory.Peek(mac)
	if !ok {
		return 1
	}
	n := series.Len()
	if n < 1 {
		return 1
	}
	return n
}

func (h *BLEHandler) newDetection(bc *BLEContext, method Method, dt threat.DeviceType, name, manufacturer string, res threat.CalculationResult, matched string) *Detection {
	return &Detection{
		ID:              newDetectionID(),
		Protocol:        ProtocolBLE,
		Method:          method,
		DeviceType:      dt,
		Name:            name,
		MAC:             NormalizeMAC(bc.MAC),
		RSSI:            bc.RSSI,
		SignalBucket:    threat.BucketRSSI(bc.RSSI),
		Location:        bc.Location,
		Level:           res.Severity,
		Score:           res.Score,
		Manufacturer:    manufacturer,
		MatchedPatterns: matched,
		ServiceUUIDs:    bc.ServiceUUIDs,
		Active:          true,
		SeenCount:       1,
		LastSeen:        bc.Timestamp,
	}
}

// identifyTracker attributes manufacturer-specific data to a consumer
// tracker family. Apple payload type 0x12 with a full-length payload is
// an AirTag; shorter payloads are generic FindMy beacons.
func identifyTracker(data map[uint16]string) (name, manufacturer string, ok bool) {
	if payload, present := data[manufacturerApple]; present {
		if t, valid := payloadType(payload); valid && t == applePayloadFindMy {
			if payloadLen(payload) >= airTagMinPayloadLen {
				return "AirTag", "Apple", true
			}
			return "FindMy Device", "Apple", true
		}
	}
	if payload, present := data[manufacturerSamsung]; present && payloadLen(payload) >= 4 {
		return "Samsung SmartTag", "Samsung", true
	}
	if _, present := data[manufacturerTile]; present {
		return "Tile Tracker", "Tile", true
	}
	return "", "", false
}

// payloadType returns the first byte of a hex-encoded payload.
func payloadType(payload string) (byte, bool) {
	if len(payload) < 2 {
		return 0, false
	}
	b, err := hex.DecodeString(payload[:2])
	if err != nil || len(b) == 0 {
		return 0, false
	}
	return b[0], true
}

// payloadLen returns the byte length of a hex-encoded payload.
func payloadLen(payload string) int {
	return len(payload) / 2
}

// timeOfDayBucket labels the local hour for activation context.
func timeOfDayBucket(t time.Time) string {
	switch h := t.Hour(); {
	case h < 6:
		return "night"
	case h < 12:
		return "morning"
	case h < 18:
		return "day"
	default:
		return "evening"
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

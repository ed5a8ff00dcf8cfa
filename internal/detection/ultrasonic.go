// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/threat"
)

// BeaconCategory classifies the commercial purpose of an ultrasonic
// beacon family.
type BeaconCategory string

const (
	CategoryAdvertising     BeaconCategory = "advertising"
	CategoryTVAttribution   BeaconCategory = "tv_attribution"
	CategoryRetailAnalytics BeaconCategory = "retail_analytics"
	CategoryCrossDeviceLink BeaconCategory = "cross_device_linking"
	CategoryUnknownBeacon   BeaconCategory = "unknown"
)

// beaconSignature is one known commercial beacon family.
type beaconSignature struct {
	FrequencyHz    float64
	Manufacturer   string
	Category       BeaconCategory
	BaseConfidence int // 0-100 attribution confidence at exact frequency match
}

// beaconSignatures maps carrier frequencies to known ultrasonic tracking
// SDK families. Frequencies are the published or observed carrier
// centers for each SDK.
var beaconSignatures = []beaconSignature{
	{FrequencyHz: 17800, Manufacturer: "Shopkick", Category: CategoryRetailAnalytics, BaseConfidence: 70},
	{FrequencyHz: 18000, Manufacturer: "SilverPush", Category: CategoryCrossDeviceLink, BaseConfidence: 85},
	{FrequencyHz: 18500, Manufacturer: "Signal360", Category: CategoryAdvertising, BaseConfidence: 75},
	{FrequencyHz: 18900, Manufacturer: "Lisnr", Category: CategoryAdvertising, BaseConfidence: 75},
	{FrequencyHz: 19200, Manufacturer: "Alphonso", Category: CategoryTVAttribution, BaseConfidence: 80},
}

// categoryWeights bias the tracking likelihood by beacon purpose.
// Cross-device linking and advertising beacons identify the listener,
// not just the venue, so they weigh heaviest.
var categoryWeights = map[BeaconCategory]float64{
	CategoryCrossDeviceLink: 1.0,
	CategoryAdvertising:     0.9,
	CategoryTVAttribution:   0.75,
	CategoryRetailAnalytics: 0.6,
	CategoryUnknownBeacon:   0.5,
}

// UltrasonicHandler attributes near-ultrasonic carriers to known
// commercial beacon SDKs and scores the tracking exposure.
type UltrasonicHandler struct {
	mu      sync.RWMutex
	enabled bool
	cfg     config.UltrasonicConfig
	now     func() time.Time
}

// NewUltrasonicHandler constructs the ultrasonic analyzer.
func NewUltrasonicHandler(cfg config.UltrasonicConfig) *UltrasonicHandler {
	return &UltrasonicHandler{
		enabled: cfg.Enabled,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock injects a time source for tests.
func (h *UltrasonicHandler) SetClock(now func() time.Time) { h.now = now }

func (h *UltrasonicHandler) Protocol() Protocol { return ProtocolUltrasonic }

func (h *UltrasonicHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *UltrasonicHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

func (h *UltrasonicHandler) Configure(raw json.RawMessage) error {
	var cfg config.UltrasonicConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid ultrasonic config: %w", err)
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func (h *UltrasonicHandler) Stop() {}

// Handle attributes one ultrasonic detection to a beacon family and
// scores it.
func (h *UltrasonicHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	uc, ok := observation.(*UltrasonicContext)
	if !ok {
		return nil, fmt.Errorf("expected *UltrasonicContext, got %T", observation)
	}
	if uc.FrequencyHz <= 0 {
		return nil, fmt.Errorf("invalid frequency %.1f", uc.FrequencyHz)
	}

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	sig, confidence := attributeBeacon(uc.FrequencyHz, cfg.FrequencyTolerance)

	following := uc.Following || uc.LocationCount >= cfg.FollowingMinLocations
	likelihood := trackingLikelihood(sig.Category, confidence, uc, following)
	if likelihood < 30 {
		return nil, nil
	}

	method := MethodUltrasonicBeacon
	name := fmt.Sprintf("Ultrasonic Beacon (%s)", sig.Manufacturer)
	if following || uc.PersistenceScore >= 0.7 {
		method = MethodUltrasonicTracking
		name = fmt.Sprintf("Ultrasonic Tracking (%s)", sig.Manufacturer)
	}

	result := threat.Score(threat.Input{
		BaseLikelihood:        likelihood,
		DeviceType:            threat.DeviceUltrasonicBeacon,
		SignalMetric:          snrToSignalMetric(uc.SNR),
		SeenCount:             uc.LocationCount + 1,
		HasMultipleIndicators: following || uc.PersistenceScore >= 0.7,
	})

	return &Detection{
		ID:           newDetectionID(),
		Protocol:     ProtocolUltrasonic,
		Method:       method,
		DeviceType:   threat.DeviceUltrasonicBeacon,
		Name:         name,
		Location:     uc.Location,
		Level:        result.Severity,
		Score:        result.Score,
		Manufacturer: sig.Manufacturer,
		MatchedPatterns: fmt.Sprintf("%.0f Hz carrier, %s family (%s), attribution confidence %d",
			uc.FrequencyHz, sig.Manufacturer, sig.Category, confidence),
		Active:    true,
		SeenCount: 1,
		LastSeen:  uc.Timestamp,
	}, nil
}

// attributeBeacon finds the nearest known beacon family within the
// frequency tolerance. Confidence decays linearly with frequency offset.
func attributeBeacon(frequencyHz, tolerance float64) (beaconSignature, int) {
	best := beaconSignature{Manufacturer: "Unknown", Category: CategoryUnknownBeacon, BaseConfidence: 40}
	bestOffset := math.MaxFloat64
	for _, sig := range beaconSignatures {
		offset := math.Abs(frequencyHz - sig.FrequencyHz)
		if offset <= tolerance && offset < bestOffset {
			best = sig
			bestOffset = offset
		}
	}
	if best.Category == CategoryUnknownBeacon {
		return best, best.BaseConfidence
	}
	confidence := best.BaseConfidence - int(math.Round(float64(best.BaseConfidence)*0.05*bestOffset/tolerance))
	return best, confidence
}

// trackingLikelihood blends attribution confidence with persistence,
// signal quality, and beacon purpose.
func trackingLikelihood(category BeaconCategory, confidence int, uc *UltrasonicContext, following bool) int {
	score := float64(confidence)
	if following {
		score += 20
	}
	score += uc.PersistenceScore * 15
	if uc.SNR >= 10 || uc.Amplitude >= 0.5 {
		score += 5
	}
	score *= categoryWeights[category]
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return int(score)
}

// snrToSignalMetric maps an audio SNR onto the dBm-style signal buckets
// the shared scorer expects.
func snrToSignalMetric(snr float64) int {
	switch {
	case snr >= 20:
		return -45
	case snr >= 10:
		return -60
	case snr >= 5:
		return -72
	default:
		return -85
	}
}

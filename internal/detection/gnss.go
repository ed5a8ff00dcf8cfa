// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/threat"
)

// gnssAlertFloor is the minimum likelihood before a GNSS anomaly is
// worth reporting at all.
const gnssAlertFloor = 30

// constellationSuspicionScore converts a constellation match deficit to
// a likelihood. A perfect match scores 0.
func constellationSuspicionScore(match float64) int {
	if match >= 0.75 {
		return 0
	}
	return int((1 - match) * 80)
}

// GNSSHandler detects spoofing, jamming, and constellation anomalies
// from periodic GNSS telemetry snapshots. Spoofing and jamming use
// different models: spoofing is a weighted indicator sum discounted by
// fix strength, jamming is additive but hard-gated to zero whenever the
// fix is too strong for jamming to be physically plausible.
type GNSSHandler struct {
	mu      sync.RWMutex
	enabled bool
	cfg     config.GNSSConfig
	now     func() time.Time
}

// NewGNSSHandler constructs the GNSS analyzer.
func NewGNSSHandler(cfg config.GNSSConfig) *GNSSHandler {
	return &GNSSHandler{
		enabled: cfg.Enabled,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock injects a time source for tests.
func (h *GNSSHandler) SetClock(now func() time.Time) { h.now = now }

func (h *GNSSHandler) Protocol() Protocol { return ProtocolGNSS }

func (h *GNSSHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *GNSSHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

func (h *GNSSHandler) Configure(raw json.RawMessage) error {
	var cfg config.GNSSConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid gnss config: %w", err)
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func (h *GNSSHandler) Stop() {}

// Handle evaluates one telemetry snapshot and reports the strongest
// anomaly class, if any clears the alert floor.
func (h *GNSSHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	gc, ok := observation.(*GNSSContext)
	if !ok {
		return nil, fmt.Errorf("expected *GNSSContext, got %T", observation)
	}
	if gc.SatelliteCount < 0 {
		return nil, fmt.Errorf("negative satellite count %d", gc.SatelliteCount)
	}

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	spoofing, spoofReasons := h.spoofingLikelihood(cfg, gc)
	jamming, jamReasons := h.jammingLikelihood(cfg, gc)
	constellation, constReasons := h.constellationSuspicion(gc)

	method := MethodGNSSSpoofing
	likelihood := spoofing
	reasons := spoofReasons
	name := "GNSS Spoofing Suspected"
	if jamming > likelihood {
		method = MethodGNSSJamming
		likelihood = jamming
		reasons = jamReasons
		name = "GNSS Jamming Suspected"
	}
	if constellation > likelihood {
		method = MethodConstellation
		likelihood = constellation
		reasons = constReasons
		name = "GNSS Constellation Anomaly"
	}
	if likelihood < gnssAlertFloor {
		return nil, nil
	}

	result := threat.Score(threat.Input{
		BaseLikelihood:        likelihood,
		DeviceType:            threat.DeviceGNSSSpoofer,
		SignalMetric:          -60, // GNSS has no RSSI; score on indicators alone
		SeenCount:             2,
		HasMultipleIndicators: len(reasons) > 1,
	})
	if result.Severity.Rank() < threat.LevelMedium.Rank() {
		return nil, nil
	}

	return &Detection{
		ID:              newDetectionID(),
		Protocol:        ProtocolGNSS,
		Method:          method,
		DeviceType:      threat.DeviceGNSSSpoofer,
		Name:            name,
		Location:        gc.Location,
		Level:           result.Severity,
		Score:           result.Score,
		Manufacturer:    "Unknown",
		MatchedPatterns: strings.Join(reasons, "; "),
		Active:          true,
		SeenCount:       1,
		LastSeen:        gc.Timestamp,
	}, nil
}

// spoofingLikelihood sums weighted independent indicators, then applies
// the strong-fix discount. Spoofing 30+ satellites across 4+
// constellations convincingly is extremely difficult, so a strong
// multi-constellation fix cuts the raw score sharply.
func (h *GNSSHandler) spoofingLikelihood(cfg config.GNSSConfig, gc *GNSSContext) (int, []string) {
	var score int
	var reasons []string

	if gc.SatelliteCount >= 4 && gc.CN0Variance >= 0 && gc.CN0Variance < cfg.UniformityVariance {
		// Real signals spread 0.5-5.0 dB-Hz; near-zero variance means a
		// single transmitter feeding every channel.
		score += 35
		reasons = append(reasons, fmt.Sprintf("CN0 variance %.2f below natural spread", gc.CN0Variance))
	}
	if gc.LowElevationHighCN0 {
		score += 15
		reasons = append(reasons, "low-elevation satellites with implausibly high CN0")
	}
	if gc.GeometryScore > 0 && gc.GeometryScore < 0.3 {
		score += 10
		reasons = append(reasons, fmt.Sprintf("poor satellite geometry %.2f", gc.GeometryScore))
	}
	if len(gc.Constellations) == 1 && gc.SatelliteCount >= 6 {
		score += 15
		reasons = append(reasons, "single-constellation fix with 6+ satellites")
	}
	if gc.ClockDriftErratic {
		score += 15
		reasons = append(reasons, "erratic clock drift")
	}
	if gc.CN0BaselineDelta > 3 {
		score += 10
		reasons = append(reasons, fmt.Sprintf("CN0 %.1f sigma above rolling baseline", gc.CN0BaselineDelta))
	}

	if gc.SatelliteCount >= cfg.StrongFixSatCount && len(gc.Constellations) >= cfg.StrongFixConstellations {
		score = int(float64(score) * (1 - cfg.StrongFixDiscount))
		if score > 0 {
			reasons = append(reasons, fmt.Sprintf("discounted %.0f%% for strong multi-constellation fix", cfg.StrongFixDiscount*100))
		}
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

// jammingLikelihood is zero, unconditionally, whenever the fix is too
// strong to be jammed. Additive terms only apply below the ceilings.
func (h *GNSSHandler) jammingLikelihood(cfg config.GNSSConfig, gc *GNSSContext) (int, []string) {
	if gc.SatelliteCount > cfg.JammingSatCeiling {
		return 0, nil
	}
	if gc.SatelliteCount > cfg.GoodFixSatCeiling {
		return 0, nil
	}
	if gc.CN0Mean >= cfg.HealthyCN0 && gc.SatelliteCount >= 4 {
		return 0, nil
	}

	var score int
	var reasons []string

	deficit := cfg.JammingSatCeiling - gc.SatelliteCount
	if deficit > 0 {
		score += deficit * 8
		reasons = append(reasons, fmt.Sprintf("only %d satellites visible", gc.SatelliteCount))
	}
	if gc.JammingIndicator {
		score += 30
		reasons = append(reasons, "receiver jamming indicator set")
	}
	if gc.CN0BaselineDelta < -3 {
		score += 20
		reasons = append(reasons, fmt.Sprintf("CN0 %.1f sigma below rolling baseline", gc.CN0BaselineDelta))
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

// constellationSuspicion compares the observed constellation set with
// what the current location should see.
func (h *GNSSHandler) constellationSuspicion(gc *GNSSContext) (int, []string) {
	if gc.Location == nil || !gc.Location.Valid() || len(gc.Constellations) == 0 {
		return 0, nil
	}
	match := geo.ConstellationMatchScore(*gc.Location, gc.Constellations)
	score := constellationSuspicionScore(match)
	if score == 0 {
		return 0, nil
	}
	observed := make(map[geo.Constellation]bool, len(gc.Constellations))
	for _, c := range gc.Constellations {
		observed[c] = true
	}
	var missing []string
	for c := range geo.ExpectedConstellations(*gc.Location) {
		if !observed[c] {
			missing = append(missing, string(c))
		}
	}
	sort.Strings(missing)
	reasons := []string{fmt.Sprintf("constellation match %.2f against regional expectation", match)}
	if len(missing) > 0 {
		reasons = append(reasons, "missing expected "+strings.Join(missing, "/"))
	}
	return score, reasons
}

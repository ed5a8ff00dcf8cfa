// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/threat"
)

// satelliteBaseScores assigns each NTN anomaly class its base threat
// likelihood before situational bonuses.
var satelliteBaseScores = map[SatelliteAnomalyType]int{
	SatAnomalyUnexpectedConnection: 50,
	SatAnomalyForcedHandoff:        60,
	SatAnomalySuspiciousParameters: 65,
	SatAnomalyTimingAnomaly:        70,
	SatAnomalyBandMismatch:         65,
	SatAnomalyRapidSwitching:       55,
	SatAnomalyDowngrade:            60,
}

// orbitRTTRange is the physically expected round-trip-time envelope for
// a claimed orbit class. Light to a LEO satellite and back alone takes
// 20ms, which makes sub-10ms RTT impossible for any real satellite.
type orbitRTTRange struct {
	min, max time.Duration
}

var orbitRTTRanges = map[string]orbitRTTRange{
	"LEO": {min: 20 * time.Millisecond, max: 60 * time.Millisecond},
	"MEO": {min: 60 * time.Millisecond, max: 160 * time.Millisecond},
	"GEO": {min: 230 * time.Millisecond, max: 290 * time.Millisecond},
}

// SatelliteHandler classifies NTN connection anomalies. Compounding
// indicators escalate a generic satellite anomaly to a cell-site
// simulator masquerading as an NTN base station.
type SatelliteHandler struct {
	mu      sync.RWMutex
	enabled bool
	cfg     config.SatelliteConfig
	now     func() time.Time
}

// NewSatelliteHandler constructs the satellite/NTN analyzer.
func NewSatelliteHandler(cfg config.SatelliteConfig) *SatelliteHandler {
	return &SatelliteHandler{
		enabled: cfg.Enabled,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock injects a time source for tests.
func (h *SatelliteHandler) SetClock(now func() time.Time) { h.now = now }

func (h *SatelliteHandler) Protocol() Protocol { return ProtocolSatellite }

func (h *SatelliteHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *SatelliteHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

func (h *SatelliteHandler) Configure(raw json.RawMessage) error {
	var cfg config.SatelliteConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid satellite config: %w", err)
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func (h *SatelliteHandler) Stop() {}

// Handle classifies one NTN connection observation.
func (h *SatelliteHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	sc, ok := observation.(*SatelliteContext)
	if !ok {
		return nil, fmt.Errorf("expected *SatelliteContext, got %T", observation)
	}
	if sc.Anomaly == "" {
		return nil, fmt.Errorf("missing anomaly type")
	}

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	likelihood, reasons := h.anomalyLikelihood(cfg, sc)

	simulator, simReason := h.isSimulator(cfg, sc)
	deviceType := threat.DeviceSatelliteNTN
	method := MethodSatelliteAnomaly
	name := "Satellite/NTN Anomaly"
	if simulator {
		deviceType = threat.DeviceIMSICatcher
		method = MethodSatelliteSimulator
		name = "Cell-Site Simulator via Satellite"
		reasons = append(reasons, simReason)
		if likelihood < 85 {
			likelihood = 85
		}
	}

	result := threat.Score(threat.Input{
		BaseLikelihood:        likelihood,
		DeviceType:            deviceType,
		SignalMetric:          sc.TerrestrialSignalDBM,
		SeenCount:             2,
		HasMultipleIndicators: len(reasons) > 1,
	})
	score, level := result.Score, result.Severity
	if simulator && score < 80 {
		// A simulator signature is never ambient noise; confidence
		// penalties must not bury it.
		score = 80
		level = threat.SeverityForScore(score)
	}
	if !simulator && level.Rank() < threat.LevelMedium.Rank() {
		return nil, nil
	}

	return &Detection{
		ID:              newDetectionID(),
		Protocol:        ProtocolSatellite,
		Method:          method,
		DeviceType:      deviceType,
		Name:            name,
		Location:        sc.Location,
		Level:           level,
		Score:           score,
		Manufacturer:    providerName(sc),
		MatchedPatterns: strings.Join(reasons, "; "),
		Active:          true,
		SeenCount:       1,
		LastSeen:        sc.Timestamp,
	}, nil
}

// isSimulator reports whether the indicators compound into a cell-site
// simulator signature rather than a plain NTN anomaly.
func (h *SatelliteHandler) isSimulator(cfg config.SatelliteConfig, sc *SatelliteContext) (bool, string) {
	if !sc.KnownProvider && !sc.ValidNTNBand {
		return true, "unknown provider on an invalid NTN band"
	}
	if _, claimed := orbitRTTRanges[sc.Orbit]; claimed && sc.RTT > 0 && sc.RTT < cfg.ImpossibleRTT {
		// Sub-10ms RTT means the transmitter is terrestrial no matter
		// what orbit it claims.
		return true, fmt.Sprintf("RTT %s impossible for claimed %s orbit", sc.RTT, sc.Orbit)
	}
	return false, ""
}

// anomalyLikelihood blends the anomaly base score with situational
// bonuses.
func (h *SatelliteHandler) anomalyLikelihood(cfg config.SatelliteConfig, sc *SatelliteContext) (int, []string) {
	score := satelliteBaseScores[sc.Anomaly]
	if score == 0 {
		score = 40
	}
	reasons := []string{fmt.Sprintf("%s (base %d)", sc.Anomaly, score)}

	if sc.TerrestrialAvailable && sc.TerrestrialSignalDBM > -85 {
		score += 15
		reasons = append(reasons, fmt.Sprintf("terrestrial coverage available at %ddBm yet satellite used", sc.TerrestrialSignalDBM))
	}
	if sc.UrbanArea {
		score += 10
		reasons = append(reasons, "urban area, satellite fallback unexpected")
	}
	if !sc.ValidNTNBand {
		score += 15
		reasons = append(reasons, fmt.Sprintf("%dMHz is not a valid NTN band", sc.FrequencyMHz))
	}
	if !sc.KnownProvider {
		score += 15
		reasons = append(reasons, fmt.Sprintf("unknown provider %q", sc.Provider))
	}
	if dev, ok := rttDeviation(sc); ok && dev > cfg.RTTDeviationBonus {
		score += 15
		reasons = append(reasons, fmt.Sprintf("RTT %s deviates %s from expected %s range", sc.RTT, dev, sc.Orbit))
	}
	if sc.HandoffCount >= cfg.RapidHandoffCount {
		score += 10
		reasons = append(reasons, fmt.Sprintf("%d handoffs within %s", sc.HandoffCount, cfg.RapidHandoffWindow))
	}

	if score > 100 {
		score = 100
	}
	return score, reasons
}

// rttDeviation returns how far the measured RTT falls outside the
// claimed orbit's expected envelope.
func rttDeviation(sc *SatelliteContext) (time.Duration, bool) {
	r, ok := orbitRTTRanges[sc.Orbit]
	if !ok || sc.RTT <= 0 {
		return 0, false
	}
	if sc.RTT < r.min {
		return r.min - sc.RTT, true
	}
	if sc.RTT > r.max {
		return sc.RTT - r.max, true
	}
	return 0, true
}

func providerName(sc *SatelliteContext) string {
	if sc.Provider == "" {
		return "Unknown"
	}
	return sc.Provider
}

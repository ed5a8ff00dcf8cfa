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

	"github.com/counterveil/counterveil/internal/cache"
	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/threat"
)

// anomalyBaseScores assigns each anomaly class its base contribution to
// the IMSI-catcher score.
var anomalyBaseScores = map[CellularAnomalyType]int{
	CellAnomalySuspiciousNetwork:   90,
	CellAnomalyEncryptionDowngrade: 60,
	CellAnomalySignalJump:          40,
	CellAnomalyImpossibleMovement:  50,
	CellAnomalyUnknownCell:         30,
	CellAnomalyCellChange:          15,
}

// testNetworkCodes lists MCC-MNC pairs reserved for test or private use.
// A live tower broadcasting one of these is almost certainly a
// cell-site simulator.
var testNetworkCodes = map[string]bool{
	"001-01":  true,
	"001-001": true,
	"001-02":  true,
	"999-99":  true,
	"999-999": true,
	"901-01":  true,
}

// CellularHandler scores cellular anomalies additively: each observation
// carries one anomaly class plus corroborating indicators, summed into a
// 0-100 IMSI-catcher score mapped to severity through fixed bands.
// Rate limiting is per anomaly method, not per cell.
type CellularHandler struct {
	mu      sync.RWMutex
	enabled bool
	cfg     config.CellularConfig
	now     func() time.Time

	methodLimits *cache.LRUCache // per-anomaly-method rate limit

	methodMu sync.RWMutex
	disabled map[CellularAnomalyType]bool
}

// NewCellularHandler constructs the cellular analyzer.
func NewCellularHandler(cfg config.CellularConfig) *CellularHandler {
	return &CellularHandler{
		enabled:      cfg.Enabled,
		cfg:          cfg,
		now:          time.Now,
		methodLimits: cache.NewLRUCache(16, cfg.MethodRateLimit),
		disabled:     make(map[CellularAnomalyType]bool),
	}
}

// SetClock injects a time source for tests.
func (h *CellularHandler) SetClock(now func() time.Time) {
	h.now = now
	h.methodLimits.SetClock(now)
}

func (h *CellularHandler) Protocol() Protocol { return ProtocolCellular }

func (h *CellularHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *CellularHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

func (h *CellularHandler) Configure(raw json.RawMessage) error {
	var cfg config.CellularConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid cellular config: %w", err)
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

// SetMethodEnabled toggles one anomaly method.
func (h *CellularHandler) SetMethodEnabled(method CellularAnomalyType, enabled bool) {
	h.methodMu.Lock()
	defer h.methodMu.Unlock()
	h.disabled[method] = !enabled
}

func (h *CellularHandler) Stop() {
	h.methodLimits.Clear()
}

// Handle scores one cellular anomaly.
func (h *CellularHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	cc, ok := observation.(*CellularContext)
	if !ok {
		return nil, fmt.Errorf("expected *CellularContext, got %T", observation)
	}
	if cc.Anomaly == "" {
		return nil, fmt.Errorf("missing anomaly type")
	}

	h.methodMu.RLock()
	methodDisabled := h.disabled[cc.Anomaly]
	h.methodMu.RUnlock()
	if methodDisabled {
		return nil, nil
	}

	if _, limited := h.methodLimits.Get(string(cc.Anomaly)); limited {
		return nil, nil
	}

	h.mu.RLock()
	cfg := h.cfg
	h.mu.RUnlock()

	score, factors := h.imsiScore(cfg, cc)

	severity := threat.BandSeverity(score)
	if cc.SeverityOverride != "" {
		severity = cc.SeverityOverride
	}

	// Single-indicator noise suppression: only alert on HIGH/CRITICAL,
	// or MEDIUM when the score clears the configured floor.
	switch {
	case severity.Rank() >= threat.LevelHigh.Rank():
	case severity == threat.LevelMedium && score >= cfg.MediumScoreFloor:
	default:
		return nil, nil
	}

	h.methodLimits.Add(string(cc.Anomaly), h.now())

	return &Detection{
		ID:              newDetectionID(),
		Protocol:        ProtocolCellular,
		Method:          MethodIMSICatcher,
		DeviceType:      threat.DeviceIMSICatcher,
		Name:            "Possible IMSI Catcher",
		RSSI:            cc.SignalDBM,
		SignalBucket:    threat.BucketRSSI(cc.SignalDBM),
		Location:        cc.Location,
		Level:           severity,
		Score:           score,
		Manufacturer:    "Unknown",
		MatchedPatterns: strings.Join(factors, "; "),
		Active:          true,
		SeenCount:       1,
		LastSeen:        cc.Timestamp,
	}, nil
}

// imsiScore sums the anomaly base score with each corroborating
// indicator, clamped to [0,100]. Returns the score plus the contributing
// factor descriptions.
func (h *CellularHandler) imsiScore(cfg config.CellularConfig, cc *CellularContext) (int, []string) {
	score := anomalyBaseScores[cc.Anomaly]
	if score == 0 {
		score = 10
	}
	factors := []string{fmt.Sprintf("%s (base %d)", cc.Anomaly, score)}

	if cc.EncryptionDowngraded || cc.NetworkType == "2G" || cc.NetworkType == "none" {
		score += 25
		factors = append(factors, "encryption downgraded to 2G/none (+25)")
	}
	if cc.PreviousSignalDBM != 0 && cc.SignalDBM-cc.PreviousSignalDBM > 20 {
		score += 20
		factors = append(factors, fmt.Sprintf("signal jumped %ddB (+20)", cc.SignalDBM-cc.PreviousSignalDBM))
	}
	if cc.CellTrustScore < cfg.TrustScoreFloor {
		score += 15
		factors = append(factors, fmt.Sprintf("unfamiliar cell, trust %d (+15)", cc.CellTrustScore))
	}
	if cc.Stationary && cc.CellID != "" && cc.PreviousCellID != "" && cc.CellID != cc.PreviousCellID {
		score += 15
		factors = append(factors, "cell changed while stationary (+15)")
	}
	if cc.ImpossibleSpeed {
		score += 20
		factors = append(factors, "physically impossible movement speed (+20)")
	}
	if isTestNetwork(cc.MCC, cc.MNC) {
		score += 30
		factors = append(factors, fmt.Sprintf("test/reserved network code %s-%s (+30)", cc.MCC, cc.MNC))
	}

	factors = append(factors, cc.Factors...)

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, factors
}

// isTestNetwork checks the MCC-MNC pair against the reserved code list.
func isTestNetwork(mcc, mnc string) bool {
	return testNetworkCodes[mcc+"-"+mnc]
}

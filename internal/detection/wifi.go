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

// ssidSignature attributes an SSID substring match.
type ssidSignature struct {
	Name         string
	Manufacturer string
	DeviceType   threat.DeviceType
	Likelihood   int
}

// ssidPatterns is the SSID substring table, matched case-insensitively.
var ssidPatterns = []struct {
	Pattern string
	Sig     ssidSignature
}{
	{"pineapple", ssidSignature{Name: "WiFi Pineapple", Manufacturer: "Hak5", DeviceType: threat.DeviceWiFiPineapple, Likelihood: 90}},
	{"pwnagotchi", ssidSignature{Name: "Pwnagotchi", Manufacturer: "DIY", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"deauther", ssidSignature{Name: "WiFi Deauther", Manufacturer: "DIY", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"marauder", ssidSignature{Name: "ESP32 Marauder", Manufacturer: "DIY", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"ipcam", ssidSignature{Name: "IP Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60}},
	{"spycam", ssidSignature{Name: "Hidden Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceHiddenCamera, Likelihood: 75}},
	{"cctv", ssidSignature{Name: "CCTV Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceHiddenCamera, Likelihood: 55}},
	{"hikvision", ssidSignature{Name: "Hikvision Camera", Manufacturer: "Hikvision", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60}},
	{"dahua", ssidSignature{Name: "Dahua Camera", Manufacturer: "Dahua", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60}},
	{"lpr-", ssidSignature{Name: "License Plate Reader", Manufacturer: "Unknown", DeviceType: threat.DeviceLPRCamera, Likelihood: 60}},
	{"flock", ssidSignature{Name: "ALPR Camera", Manufacturer: "Flock Safety", DeviceType: threat.DeviceLPRCamera, Likelihood: 70}},
	{"bodycam", ssidSignature{Name: "Body Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceBodyCamera, Likelihood: 70}},
	{"axon", ssidSignature{Name: "Axon Device", Manufacturer: "Axon", DeviceType: threat.DeviceBodyCamera, Likelihood: 75}},
}

// hotspotHints mark SSIDs that look like portable hotspots, which the
// following-network analysis treats with more suspicion.
var hotspotHints = []string{"mifi", "hotspot", "jetpack", "nighthawk m", "android ap", "iphone"}

func buildSSIDMatcher() *cache.AhoCorasick {
	ac := cache.NewAhoCorasick()
	for _, p := range ssidPatterns {
		ac.AddPattern(p.Pattern, p.Sig)
	}
	ac.Build()
	return ac
}

// WiFiHandler analyzes WiFi scan batches: a stateless pattern stage
// (SSID table, BSSID OUI table) gated by the RSSI floor and a per-BSSID
// rate limit, plus a stateful anomaly correlator for evil twins, deauth
// bursts, hidden cameras, and following networks.
type WiFiHandler struct {
	mu      sync.RWMutex
	enabled bool
	cfg     config.WiFiConfig
	floor   int
	now     func() time.Time

	ssidMatcher   *cache.AhoCorasick
	lastDetection *cache.LRUCache
	anomaly       *WiFiAnomalyCorrelator
}

// NewWiFiHandler constructs the WiFi analyzer.
func NewWiFiHandler(det config.DetectionConfig, cfg config.WiFiConfig) *WiFiHandler {
	return &WiFiHandler{
		enabled:       cfg.Enabled,
		cfg:           cfg,
		floor:         det.RSSIFloor,
		now:           time.Now,
		ssidMatcher:   buildSSIDMatcher(),
		lastDetection: cache.NewLRUCache(det.MaxTrackedDevices, cfg.DeviceRateLimit),
		anomaly:       NewWiFiAnomalyCorrelator(det, cfg),
	}
}

// SetClock injects a time source for tests.
func (h *WiFiHandler) SetClock(now func() time.Time) {
	h.now = now
	h.lastDetection.SetClock(now)
	h.anomaly.SetClock(now)
}

func (h *WiFiHandler) Protocol() Protocol { return ProtocolWiFi }

func (h *WiFiHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *WiFiHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

func (h *WiFiHandler) Configure(raw json.RawMessage) error {
	var cfg config.WiFiConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid wifi config: %w", err)
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func (h *WiFiHandler) Stop() {
	h.lastDetection.Clear()
	h.anomaly.Stop()
}

// Handle evaluates one scan batch: pattern stage first, then the
// anomaly correlator. Pattern hits win when both fire.
func (h *WiFiHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	wc, ok := observation.(*WiFiContext)
	if !ok {
		return nil, fmt.Errorf("expected *WiFiContext, got %T", observation)
	}

	patternHit := h.patternStage(wc)
	anomalyHit := h.anomaly.Observe(wc)

	if patternHit != nil {
		return patternHit, nil
	}
	return anomalyHit, nil
}

// patternStage matches each network against the SSID and OUI tables.
func (h *WiFiHandler) patternStage(wc *WiFiContext) *Detection {
	for i := range wc.Networks {
		n := &wc.Networks[i]
		if n.RSSI < h.floor {
			continue
		}
		bssid := NormalizeMAC(n.BSSID)
		if bssid == "" {
			continue
		}
		if _, limited := h.lastDetection.Get(bssid); limited {
			continue
		}

		if d := h.matchSSID(wc, n); d != nil {
			h.lastDetection.Add(bssid, h.now())
			return d
		}
		if d := h.matchOUI(wc, n); d != nil {
			h.lastDetection.Add(bssid, h.now())
			return d
		}
	}
	return nil
}

func (h *WiFiHandler) matchSSID(wc *WiFiContext, n *WiFiNetwork) *Detection {
	if n.SSID == "" {
		return nil
	}
	m, ok := h.ssidMatcher.SearchFirst(n.SSID)
	if !ok {
		return nil
	}
	sig, ok := m.Data.(ssidSignature)
	if !ok {
		return nil
	}
	res := h.scoreNetwork(sig.Likelihood, sig.DeviceType, n)
	return h.newDetection(wc, n, MethodSSIDPattern, sig.DeviceType, sig.Name, sig.Manufacturer, res,
		fmt.Sprintf("SSID matched %q", m.Pattern))
}

func (h *WiFiHandler) matchOUI(wc *WiFiContext, n *WiFiNetwork) *Detection {
	sig, ok := ouiSignatures[MACOUI(n.BSSID)]
	if !ok {
		return nil
	}
	res := h.scoreNetwork(sig.Likelihood, sig.DeviceType, n)
	return h.newDetection(wc, n, MethodOUIPrefix, sig.DeviceType, sig.Name, sig.Manufacturer, res,
		fmt.Sprintf("BSSID OUI %s (%s)", MACOUI(n.BSSID), sig.Manufacturer))
}

// scoreNetwork funnels a pattern match through the shared formula.
// Hidden SSIDs and properly-secured APs are slightly less suspicious:
// legitimate infrastructure tends to be secured, and surveillance gear
// often runs open setup networks.
func (h *WiFiHandler) scoreNetwork(likelihood int, dt threat.DeviceType, n *WiFiNetwork) threat.CalculationResult {
	if n.Hidden {
		likelihood -= 5
	}
	if isSecured(n.Capabilities) {
		likelihood -= 5
	}
	if likelihood < 0 {
		likelihood = 0
	}
	return threat.Score(threat.Input{
		BaseLikelihood:   likelihood,
		DeviceType:       dt,
		SignalMetric:     n.RSSI,
		SeenCount:        1,
		IsConsumerDevice: dt == threat.DeviceConsumerIoT,
	})
}

func (h *WiFiHandler) newDetection(wc *WiFiContext, n *WiFiNetwork, method Method, dt threat.DeviceType, name, manufacturer string, res threat.CalculationResult, matched string) *Detection {
	return &Detection{
		ID:              newDetectionID(),
		Protocol:        ProtocolWiFi,
		Method:          method,
		DeviceType:      dt,
		Name:            name,
		MAC:             NormalizeMAC(n.BSSID),
		SSID:            n.SSID,
		RSSI:            n.RSSI,
		SignalBucket:    threat.BucketRSSI(n.RSSI),
		Location:        wc.Location,
		Level:           res.Severity,
		Score:           res.Score,
		Manufacturer:    manufacturer,
		MatchedPatterns: matched,
		Active:          true,
		SeenCount:       1,
		LastSeen:        wc.Timestamp,
	}
}

// isSecured reports whether a capability string advertises WPA2/WPA3.
func isSecured(capabilities string) bool {
	c := strings.ToUpper(capabilities)
	return strings.Contains(c, "WPA2") || strings.Contains(c, "WPA3") || strings.Contains(c, "RSN")
}

// isHotspotLike reports whether an SSID looks like a portable hotspot.
func isHotspotLike(ssid string) bool {
	s := strings.ToLower(ssid)
	for _, hint := range hotspotHints {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

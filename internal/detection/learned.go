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
	"github.com/counterveil/counterveil/internal/signatures"
	"github.com/counterveil/counterveil/internal/threat"
)

// learnedRateLimit spaces repeat alerts for the same flagged device.
const learnedRateLimit = 30 * time.Second

// LearnedHandler matches observations against user-confirmed device
// fingerprints. A user who flagged a device once gets an alert every
// time it reappears, regardless of what the pattern handlers think.
type LearnedHandler struct {
	mu      sync.RWMutex
	enabled bool
	store   signatures.Store
	now     func() time.Time

	lastAlert *cache.LRUCache // per signature+device
}

// NewLearnedHandler constructs the learned-signature matcher.
func NewLearnedHandler(cfg config.SignaturesConfig, store signatures.Store) *LearnedHandler {
	return &LearnedHandler{
		enabled:   cfg.Enabled,
		store:     store,
		now:       time.Now,
		lastAlert: cache.NewLRUCache(cfg.Capacity, learnedRateLimit),
	}
}

// SetClock injects a time source for tests.
func (h *LearnedHandler) SetClock(now func() time.Time) {
	h.now = now
	h.lastAlert.SetClock(now)
}

func (h *LearnedHandler) Protocol() Protocol { return ProtocolLearned }

func (h *LearnedHandler) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

func (h *LearnedHandler) SetEnabled(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = enabled
}

func (h *LearnedHandler) Configure(raw json.RawMessage) error {
	var cfg config.SignaturesConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid signatures config: %w", err)
	}
	h.mu.Lock()
	h.enabled = cfg.Enabled
	h.mu.Unlock()
	return nil
}

func (h *LearnedHandler) Stop() {
	h.lastAlert.Clear()
}

// Handle checks one BLE or WiFi observation against every stored
// signature of the matching protocol.
func (h *LearnedHandler) Handle(_ context.Context, observation any) (*Detection, error) {
	switch obs := observation.(type) {
	case *BLEContext:
		return h.matchBLE(obs), nil
	case *WiFiContext:
		return h.matchWiFi(obs), nil
	default:
		return nil, fmt.Errorf("expected BLE or WiFi context, got %T", observation)
	}
}

func (h *LearnedHandler) matchBLE(bc *BLEContext) *Detection {
	mac := NormalizeMAC(bc.MAC)
	if mac == "" {
		return nil
	}
	for _, sig := range h.store.List() {
		if sig.Protocol != string(ProtocolBLE) {
			continue
		}
		reasons := bleMatchReasons(sig, mac, bc)
		if len(reasons) == 0 {
			continue
		}
		if h.throttled(sig.ID + ":" + mac) {
			return nil
		}
		d := h.detection(sig, reasons)
		d.Protocol = ProtocolBLE
		d.MAC = mac
		d.RSSI = bc.RSSI
		d.SignalBucket = threat.BucketRSSI(bc.RSSI)
		d.Location = bc.Location
		d.LastSeen = bc.Timestamp
		return d
	}
	return nil
}

func (h *LearnedHandler) matchWiFi(wc *WiFiContext) *Detection {
	for _, network := range wc.Networks {
		mac := NormalizeMAC(network.BSSID)
		for _, sig := range h.store.List() {
			if sig.Protocol != string(ProtocolWiFi) {
				continue
			}
			var reasons []string
			if sig.MACPrefix != "" && mac != "" && strings.HasPrefix(mac, sig.MACPrefix) {
				reasons = append(reasons, fmt.Sprintf("BSSID prefix %s", sig.MACPrefix))
			}
			if sig.SSID != "" && strings.EqualFold(sig.SSID, network.SSID) {
				reasons = append(reasons, fmt.Sprintf("SSID %q", sig.SSID))
			}
			if len(reasons) == 0 {
				continue
			}
			if h.throttled(sig.ID + ":" + mac) {
				return nil
			}
			d := h.detection(sig, reasons)
			d.Protocol = ProtocolWiFi
			d.MAC = mac
			d.SSID = network.SSID
			d.RSSI = network.RSSI
			d.SignalBucket = threat.BucketRSSI(network.RSSI)
			d.Location = wc.Location
			d.LastSeen = wc.Timestamp
			return d
		}
	}
	return nil
}

// bleMatchReasons returns every signature field the observation matched.
// Fields are OR-combined; one hit is enough.
func bleMatchReasons(sig signatures.Signature, mac string, bc *BLEContext) []string {
	var reasons []string
	if sig.MACPrefix != "" && strings.HasPrefix(mac, sig.MACPrefix) {
		reasons = append(reasons, fmt.Sprintf("MAC prefix %s", sig.MACPrefix))
	}
	if len(sig.ServiceUUIDs) > 0 && len(bc.ServiceUUIDs) > 0 {
		observed := make(map[string]bool, len(bc.ServiceUUIDs))
		for _, u := range bc.ServiceUUIDs {
			observed[normalizeUUID(u)] = true
		}
		for _, u := range sig.ServiceUUIDs {
			if observed[normalizeUUID(u)] {
				reasons = append(reasons, fmt.Sprintf("service UUID %s", u))
				break
			}
		}
	}
	if len(sig.ManufacturerIDs) > 0 && len(bc.ManufacturerData) > 0 {
		for _, id := range sig.ManufacturerIDs {
			if _, ok := bc.ManufacturerData[id]; ok {
				reasons = append(reasons, fmt.Sprintf("manufacturer ID 0x%04X", id))
				break
			}
		}
	}
	return reasons
}

// detection builds the fixed HIGH-severity alert for a signature hit.
func (h *LearnedHandler) detection(sig signatures.Signature, reasons []string) *Detection {
	name := sig.Name
	if name == "" {
		name = "User-Flagged Device"
	}
	return &Detection{
		ID:              newDetectionID(),
		Method:          MethodLearnedSignature,
		DeviceType:      threat.DeviceHackingTool,
		Name:            name,
		Level:           threat.LevelHigh,
		Score:           75,
		Manufacturer:    "User-Confirmed",
		MatchedPatterns: "learned signature: " + strings.Join(reasons, ", "),
		Active:          true,
		SeenCount:       1,
	}
}

func (h *LearnedHandler) throttled(key string) bool {
	if _, hit := h.lastAlert.Get(key); hit {
		return true
	}
	h.lastAlert.Add(key, h.now())
	return false
}

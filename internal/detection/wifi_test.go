// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"testing"
	"time"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/threat"
)

func newTestWiFiHandler(clock *testClock) *WiFiHandler {
	cfg := config.Default()
	h := NewWiFiHandler(cfg.Detection, cfg.WiFi)
	h.SetClock(clock.Now)
	return h
}

func wifiBatch(clock *testClock, networks ...WiFiNetwork) *WiFiContext {
	return &WiFiContext{
		Timestamp: clock.Now(),
		Networks:  networks,
	}
}

func TestWiFiSSIDPattern(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestWiFiHandler(clock)

	batch := wifiBatch(clock, WiFiNetwork{
		SSID:  "Pineapple_5G",
		BSSID: "00:13:37:AA:BB:CC",
		RSSI:  -50,
	})
	d, err := h.Handle(context.Background(), batch)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected SSID pattern detection")
	}
	if d.Method != MethodSSIDPattern {
		t.Errorf("Method = %s, want %s", d.Method, MethodSSIDPattern)
	}
	if d.DeviceType != threat.DeviceWiFiPineapple {
		t.Errorf("DeviceType = %s, want wifi_pineapple", d.DeviceType)
	}
}

func TestWiFiSecuredAPScoresLower(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))

	open := newTestWiFiHandler(clock)
	dOpen, _ := open.Handle(context.Background(), wifiBatch(clock, WiFiNetwork{
		SSID: "ipcam-setup", BSSID: "02:00:00:00:00:01", RSSI: -50,
	}))

	secured := newTestWiFiHandler(clock)
	dSec, _ := secured.Handle(context.Background(), wifiBatch(clock, WiFiNetwork{
		SSID: "ipcam-setup", BSSID: "02:00:00:00:00:02", RSSI: -50,
		Capabilities: "[WPA2-PSK-CCMP][ESS]",
	}))

	if dOpen == nil || dSec == nil {
		t.Fatal("expected detections from both handlers")
	}
	if dSec.Score >= dOpen.Score {
		t.Errorf("secured AP score %d not below open AP score %d", dSec.Score, dOpen.Score)
	}
}

func TestWiFiDeauthBurst(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestWiFiHandler(clock)

	batch := wifiBatch(clock)
	batch.DeauthCount = 6 // above the default burst count of 5

	d, err := h.Handle(context.Background(), batch)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected deauth-burst detection")
	}
	if d.Method != MethodDeauthBurst {
		t.Errorf("Method = %s, want %s", d.Method, MethodDeauthBurst)
	}

	// Second burst inside the cooldown stays quiet.
	batch2 := wifiBatch(clock)
	batch2.DeauthCount = 6
	if d2, _ := h.Handle(context.Background(), batch2); d2 != nil {
		t.Error("expected cooldown after first deauth alert")
	}
}

func TestWiFiEvilTwin(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestWiFiHandler(clock)
	ctx := context.Background()

	// Legitimate AP.
	if d, _ := h.Handle(ctx, wifiBatch(clock, WiFiNetwork{
		SSID: "CoffeeShop", BSSID: "02:00:00:00:01:01", RSSI: -60,
		Capabilities: "[WPA2-PSK-CCMP][ESS]",
	})); d != nil {
		t.Fatalf("unexpected detection for single AP: %s", d.Method)
	}

	clock.Advance(time.Second)

	// Imposter: same SSID, different BSSID, open network.
	d, err := h.Handle(ctx, wifiBatch(clock, WiFiNetwork{
		SSID: "CoffeeShop", BSSID: "02:00:00:00:02:02", RSSI: -45,
		Capabilities: "[ESS]",
	}))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected evil-twin detection")
	}
	if d.Method != MethodEvilTwin {
		t.Errorf("Method = %s, want %s", d.Method, MethodEvilTwin)
	}
	if d.Level.Rank() < threat.LevelHigh.Rank() {
		t.Errorf("Level = %s, want at least high", d.Level)
	}
}

func TestWiFiMeshNotEvilTwin(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestWiFiHandler(clock)
	ctx := context.Background()

	caps := "[WPA2-PSK-CCMP][ESS]"
	h.Handle(ctx, wifiBatch(clock, WiFiNetwork{SSID: "HomeMesh", BSSID: "02:00:00:00:01:01", RSSI: -60, Capabilities: caps}))
	clock.Advance(time.Second)
	d, _ := h.Handle(ctx, wifiBatch(clock, WiFiNetwork{SSID: "HomeMesh", BSSID: "02:00:00:00:02:02", RSSI: -55, Capabilities: caps}))
	if d != nil {
		t.Errorf("mesh APs with identical capabilities flagged: %s", d.Method)
	}
}

func TestWiFiHiddenCamera(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	cfg := config.Default()
	h := NewWiFiHandler(cfg.Detection, cfg.WiFi)
	h.SetClock(clock.Now)

	// Hidden SSID with a camera-manufacturer OUI. The pattern stage
	// also matches the OUI, so check the anomaly path directly.
	batch := wifiBatch(clock, WiFiNetwork{
		BSSID:  "44:19:B6:00:00:01",
		RSSI:   -55,
		Hidden: true,
	})
	d := h.anomaly.Observe(batch)
	if d == nil {
		t.Fatal("expected hidden-camera detection")
	}
	if d.Method != MethodHiddenCamera {
		t.Errorf("Method = %s, want %s", d.Method, MethodHiddenCamera)
	}
	if d.DeviceType != threat.DeviceHiddenCamera {
		t.Errorf("DeviceType = %s, want hidden_camera", d.DeviceType)
	}
}

func TestWiFiFollowingNetwork(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	h := newTestWiFiHandler(clock)
	ctx := context.Background()

	locations := []geo.Point{
		{Latitude: 37.7749, Longitude: -122.4194},
		{Latitude: 37.7849, Longitude: -122.4194},
		{Latitude: 37.7949, Longitude: -122.4194},
	}

	var last *Detection
	for _, loc := range locations {
		p := loc
		batch := wifiBatch(clock, WiFiNetwork{
			SSID: "randomnet", BSSID: "02:00:00:00:09:09", RSSI: -60,
		})
		batch.Location = &p
		d, err := h.Handle(ctx, batch)
		if err != nil {
			t.Fatalf("Handle() error: %v", err)
		}
		if d != nil {
			last = d
		}
		clock.Advance(30 * time.Minute)
	}

	if last == nil {
		t.Fatal("expected following-network detection after 3 distinct locations")
	}
	if last.Method != MethodFollowingNetwork {
		t.Errorf("Method = %s, want %s", last.Method, MethodFollowingNetwork)
	}
}

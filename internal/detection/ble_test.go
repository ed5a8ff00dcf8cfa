// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/threat"
)

// testClock is a controllable time source shared by handler tests.
type testClock struct {
	t time.Time
}

func newTestClock(t time.Time) *testClock    { return &testClock{t: t} }
func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBLEHandler(clock *testClock) *BLEHandler {
	cfg := config.Default()
	h := NewBLEHandler(cfg.Detection, cfg.BLE)
	h.SetClock(clock.Now)
	return h
}

func bleAd(clock *testClock, mac string) *BLEContext {
	return &BLEContext{
		Timestamp: clock.Now(),
		MAC:       mac,
		RSSI:      -55,
	}
}

func TestBLEHandlerRejectsMalformedMAC(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	_, err := h.Handle(context.Background(), &BLEContext{Timestamp: clock.Now(), MAC: "nonsense"})
	if err == nil {
		t.Error("expected error for unparseable MAC")
	}
}

func TestBLERateSpikeLateNight(t *testing.T) {
	// 02:00 local, 45 pps, body-camera family manufacturer ID: must be
	// CRITICAL with score forced to 100 regardless of history.
	clock := newTestClock(time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	ad := bleAd(clock, "AA:BB:CC:11:22:33")
	ad.AdvertisingRate = 45
	ad.ManufacturerData = map[uint16]string{manufacturerAxon: "0102"}

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected rate-spike detection")
	}
	if d.Method != MethodRateSpike {
		t.Errorf("Method = %s, want %s", d.Method, MethodRateSpike)
	}
	if d.Level != threat.LevelCritical {
		t.Errorf("Level = %s, want critical", d.Level)
	}
	if d.Score != 100 {
		t.Errorf("Score = %d, want 100 for late-night spike", d.Score)
	}
}

func TestBLERateSpikeRequiresManufacturer(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	ad := bleAd(clock, "AA:BB:CC:11:22:33")
	ad.AdvertisingRate = 45 // high rate but no matching manufacturer ID

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d != nil && d.Method == MethodRateSpike {
		t.Error("rate spike must require the hardware-family manufacturer ID")
	}
}

func TestBLESpamAttack(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)
	ctx := context.Background()

	var got *Detection
	for i := 0; i < 20; i++ {
		ad := bleAd(clock, "4A:00:00:00:00:01")
		ad.RSSI = -40
		ad.ManufacturerData = map[uint16]string{manufacturerApple: "07ff00"}
		d, err := h.Handle(ctx, ad)
		if err != nil {
			t.Fatalf("Handle() error: %v", err)
		}
		if d != nil && d.Method == MethodSpamAttack {
			got = d
			break
		}
		clock.Advance(100 * time.Millisecond)
	}
	if got == nil {
		t.Fatal("expected spam-attack detection after threshold crossings")
	}
	if got.DeviceType != threat.DeviceHackingTool {
		t.Errorf("DeviceType = %s, want hacking_tool", got.DeviceType)
	}

	// Further spam inside the cooldown must not re-alert.
	ad := bleAd(clock, "4A:00:00:00:00:02")
	ad.ManufacturerData = map[uint16]string{manufacturerApple: "07ff00"}
	d, _ := h.Handle(ctx, ad)
	if d != nil && d.Method == MethodSpamAttack {
		t.Error("spam alert inside cooldown window")
	}
}

func TestBLEServiceUUIDTileTracker(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	ad := bleAd(clock, "AA:BB:CC:44:55:66")
	ad.ServiceUUIDs = []string{"0000feed-0000-1000-8000-00805f9b34fb"}

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected tracker detection from Tile service UUID")
	}
	if d.Name != "Tile Tracker" {
		t.Errorf("Name = %q, want Tile Tracker", d.Name)
	}
	if d.DeviceType != threat.DeviceConsumerTracker {
		t.Errorf("DeviceType = %s, want consumer_tracker", d.DeviceType)
	}
}

func TestBLEDeviceNamePattern(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	ad := bleAd(clock, "AA:BB:CC:77:88:99")
	ad.Name = "Flipper Unleashed"

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected name-pattern detection")
	}
	if d.Method != MethodDeviceName {
		t.Errorf("Method = %s, want %s", d.Method, MethodDeviceName)
	}
	if d.DeviceType != threat.DeviceHackingTool {
		t.Errorf("DeviceType = %s, want hacking_tool", d.DeviceType)
	}
	if !strings.Contains(d.MatchedPatterns, "flipper") {
		t.Errorf("MatchedPatterns = %q, want flipper mention", d.MatchedPatterns)
	}
}

func TestBLEOUIMatch(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	ad := bleAd(clock, "44:19:B6:01:02:03")

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected OUI detection")
	}
	if d.Method != MethodOUIPrefix {
		t.Errorf("Method = %s, want %s", d.Method, MethodOUIPrefix)
	}
	if d.Manufacturer != "Hikvision" {
		t.Errorf("Manufacturer = %q, want Hikvision", d.Manufacturer)
	}
}

func TestBLEOUIPrecedesTrackerData(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	// A known manufacturer prefix wins over tracker manufacturer data.
	ad := bleAd(clock, "44:19:B6:01:02:03")
	ad.ManufacturerData = map[uint16]string{manufacturerTile: "00"}

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d == nil {
		t.Fatal("expected a detection")
	}
	if d.Method != MethodOUIPrefix || d.Manufacturer != "Hikvision" {
		t.Errorf("got %s/%s, want %s from the OUI stage", d.Method, d.Manufacturer, MethodOUIPrefix)
	}
}

func TestBLERateLimitPerMAC(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)
	ctx := context.Background()

	ad := bleAd(clock, "44:19:B6:01:02:03")
	if d, _ := h.Handle(ctx, ad); d == nil {
		t.Fatal("expected first detection")
	}

	clock.Advance(5 * time.Second)
	ad2 := bleAd(clock, "44:19:B6:01:02:03")
	if d, _ := h.Handle(ctx, ad2); d != nil {
		t.Error("expected rate-limited silence within 30s")
	}

	clock.Advance(31 * time.Second)
	ad3 := bleAd(clock, "44:19:B6:01:02:03")
	if d, _ := h.Handle(ctx, ad3); d == nil {
		t.Error("expected detection after rate-limit window")
	}
}

func TestBLERSSIFloor(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)

	ad := bleAd(clock, "44:19:B6:01:02:03")
	ad.RSSI = -95 // below the -90 floor

	d, err := h.Handle(context.Background(), ad)
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if d != nil {
		t.Error("expected no detection below RSSI floor")
	}
}

func TestBLETrackerFollowing(t *testing.T) {
	clock := newTestClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	h := newTestBLEHandler(clock)
	ctx := context.Background()

	// Three sightings at locations ~1km apart, 40 minutes between each.
	locations := []geo.Point{
		{Latitude: 37.7749, Longitude: -122.4194},
		{Latitude: 37.7849, Longitude: -122.4194},
		{Latitude: 37.7949, Longitude: -122.4194},
	}

	var last *Detection
	for _, loc := range locations {
		p := loc
		ad := bleAd(clock, "AA:BB:CC:44:55:66")
		ad.ServiceUUIDs = []string{"feed"}
		ad.Location = &p
		d, err := h.Handle(ctx, ad)
		if err != nil {
			t.Fatalf("Handle() error: %v", err)
		}
		if d != nil {
			last = d
		}
		clock.Advance(40 * time.Minute)
	}

	if last == nil {
		t.Fatal("expected tracker detections")
	}
	if last.Method != MethodTrackerFollowing {
		t.Errorf("Method = %s, want %s after 3 distinct locations", last.Method, MethodTrackerFollowing)
	}
	if last.Level.Rank() < threat.LevelHigh.Rank() {
		t.Errorf("Level = %s, want at least high for following tracker", last.Level)
	}
}

func TestIdentifyTracker(t *testing.T) {
	airtagPayload := "12" + strings.Repeat("00", 26) // type 0x12, 27 bytes
	tests := []struct {
		name     string
		data     map[uint16]string
		wantName string
		wantOK   bool
	}{
		{"airtag", map[uint16]string{manufacturerApple: airtagPayload}, "AirTag", true},
		{"findmy short", map[uint16]string{manufacturerApple: "120000"}, "FindMy Device", true},
		{"smarttag", map[uint16]string{manufacturerSamsung: "0102030405"}, "Samsung SmartTag", true},
		{"tile", map[uint16]string{manufacturerTile: "00"}, "Tile Tracker", true},
		{"airpods not a tracker", map[uint16]string{manufacturerApple: "07ff"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, _, ok := identifyTracker(tt.data)
			if ok != tt.wantOK || name != tt.wantName {
				t.Errorf("identifyTracker() = (%q,%v), want (%q,%v)", name, ok, tt.wantName, tt.wantOK)
			}
		})
	}
}

func TestIsLocallyAdministered(t *testing.T) {
	tests := []struct {
		mac  string
		want bool
	}{
		{"4A:00:00:00:00:01", true},  // 0x4A has bit 1 set
		{"AA:BB:CC:11:22:33", true},  // 0xAA has bit 1 set
		{"44:19:B6:01:02:03", false}, // 0x44 does not
		{"00:25:DF:00:00:00", false},
	}
	for _, tt := range tests {
		if got := IsLocallyAdministered(tt.mac); got != tt.want {
			t.Errorf("IsLocallyAdministered(%s) = %v, want %v", tt.mac, got, tt.want)
		}
	}
}

// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package dedup

import (
	"testing"
	"time"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/detection"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/threat"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newDedup(clk *fakeClock) *Deduplicator {
	dd := New(config.Default().Dedup)
	dd.SetClock(clk.Now)
	return dd
}

func makeDetection(id, mac string) *detection.Detection {
	return &detection.Detection{
		ID:           id,
		Protocol:     detection.ProtocolBLE,
		Method:       detection.MethodServiceUUID,
		DeviceType:   threat.DeviceConsumerTracker,
		Name:         "AirTag",
		MAC:          mac,
		RSSI:         -60,
		Level:        threat.LevelMedium,
		Score:        55,
		Manufacturer: "Apple",
		ServiceUUIDs: []string{"fd5a"},
		Active:       true,
		SeenCount:    1,
		LastSeen:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCompositeKeyStableForIdenticalMAC(t *testing.T) {
	a := makeDetection("a", "DC:0C:2D:11:22:33")
	b := makeDetection("b", "dc-0c-2d-11-22-33")
	if CompositeKey(a) != CompositeKey(b) {
		t.Error("identical normalized MACs must produce the same composite key")
	}
}

func TestFindMatchExactMAC(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "DC:0C:2D:11:22:33")
	if got := dd.Admit(first); got != first {
		t.Fatal("first sighting should be admitted unchanged")
	}

	clk.Advance(10 * time.Second)
	second := makeDetection("b", "dc:0c:2d:11:22:33")
	if match := dd.FindMatch(second); match == nil || match.ID != "a" {
		t.Fatalf("FindMatch = %v, want the prior sighting", match)
	}
}

func TestFindMatchJaccardAcrossRandomizedMACs(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "4A:11:22:33:44:55") // locally administered
	first.ServiceUUIDs = []string{"fd5a", "feed"}
	dd.Admit(first)

	clk.Advance(10 * time.Second)

	// Same UUID set, fresh randomized MAC: Jaccard 1.0.
	same := makeDetection("b", "7E:99:88:77:66:55")
	same.ServiceUUIDs = []string{"FEED", "FD5A"}
	if match := dd.FindMatch(same); match == nil || match.ID != "a" {
		t.Fatalf("FindMatch = %v, want Jaccard match on UUID overlap", match)
	}

	// One of three shared: Jaccard 1/4 < 0.5, and a different hardware
	// class so no later stage matches either.
	different := makeDetection("c", "7E:12:34:56:78:9A")
	different.DeviceType = threat.DeviceConsumerIoT
	different.Manufacturer = "Tile"
	different.ServiceUUIDs = []string{"fd5a", "180f", "180a"}
	if match := dd.FindMatch(different); match != nil {
		t.Fatalf("FindMatch = %v, want none below the Jaccard threshold", match)
	}
}

func TestFindMatchGeoProximity(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "")
	first.ServiceUUIDs = nil
	first.Location = &geo.Point{Latitude: 48.85000, Longitude: 2.35000}
	dd.Admit(first)

	clk.Advance(10 * time.Second)

	// ~5m east, same device type and protocol, different manufacturer
	// so the composite stage cannot claim it first.
	near := makeDetection("b", "")
	near.ServiceUUIDs = nil
	near.Manufacturer = "Samsung"
	near.Location = &geo.Point{Latitude: 48.85000, Longitude: 2.35007}
	if match := dd.FindMatch(near); match == nil || match.ID != "a" {
		t.Fatalf("FindMatch = %v, want geospatial match within 10m", match)
	}

	far := makeDetection("c", "")
	far.ServiceUUIDs = nil
	far.Manufacturer = "Samsung"
	far.Location = &geo.Point{Latitude: 48.85100, Longitude: 2.35000}
	if match := dd.FindMatch(far); match != nil {
		t.Fatalf("FindMatch = %v, want none beyond 10m", match)
	}
}

func TestFindMatchSSIDFuzzy(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "")
	first.Protocol = detection.ProtocolWiFi
	first.DeviceType = threat.DeviceWiFiPineapple
	first.ServiceUUIDs = nil
	first.SSID = "pineapple_5g"
	dd.Admit(first)

	clk.Advance(10 * time.Second)

	fuzzy := makeDetection("b", "")
	fuzzy.Protocol = detection.ProtocolWiFi
	fuzzy.DeviceType = threat.DeviceWiFiPineapple
	fuzzy.Manufacturer = "Hak5"
	fuzzy.ServiceUUIDs = nil
	fuzzy.SSID = "pineapple_2g"
	if match := dd.FindMatch(fuzzy); match == nil || match.ID != "a" {
		t.Fatalf("FindMatch = %v, want fuzzy SSID match", match)
	}

	distinct := makeDetection("c", "")
	distinct.Protocol = detection.ProtocolWiFi
	distinct.DeviceType = threat.DeviceWiFiPineapple
	distinct.Manufacturer = "Hak5"
	distinct.ServiceUUIDs = nil
	distinct.SSID = "totally-unrelated"
	if match := dd.FindMatch(distinct); match != nil {
		t.Fatalf("FindMatch = %v, want none for dissimilar SSID", match)
	}
}

func TestShouldThrottleWindow(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "DC:0C:2D:11:22:33")
	if got := dd.Admit(first); got == nil {
		t.Fatal("first sighting should be admitted")
	}

	clk.Advance(time.Second)
	repeat := makeDetection("b", "DC:0C:2D:11:22:33")
	if got := dd.Admit(repeat); got != nil {
		t.Fatal("identical detection 1s later should be throttled")
	}

	clk.Advance(5 * time.Second) // 6s after first emission
	later := makeDetection("c", "DC:0C:2D:11:22:33")
	got := dd.Admit(later)
	if got == nil {
		t.Fatal("identical detection 6s later should be admitted")
	}
	if got.ID != "a" {
		t.Errorf("admitted ID = %s, want merged prior record", got.ID)
	}
	if got.SeenCount != 2 {
		t.Errorf("SeenCount = %d, want 2 after merge", got.SeenCount)
	}
}

func TestAdmitMergeKeepsHighestScore(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "DC:0C:2D:11:22:33")
	dd.Admit(first)

	clk.Advance(10 * time.Second)
	escalated := makeDetection("b", "DC:0C:2D:11:22:33")
	escalated.Score = 85
	escalated.Level = threat.LevelCritical

	got := dd.Admit(escalated)
	if got == nil || got.Score != 85 || got.Level != threat.LevelCritical {
		t.Fatalf("merged = %+v, want escalated score and level retained", got)
	}

	clk.Advance(10 * time.Second)
	weaker := makeDetection("c", "DC:0C:2D:11:22:33")
	weaker.Score = 40
	weaker.Level = threat.LevelMedium
	got = dd.Admit(weaker)
	if got == nil || got.Score != 85 {
		t.Fatalf("merged score = %v, want prior maximum kept", got)
	}
}

func TestAdmitMergeLeavesEmittedRecordUntouched(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	dd := newDedup(clk)

	first := makeDetection("a", "DC:0C:2D:11:22:33")
	emitted := dd.Admit(first)
	if emitted != first {
		t.Fatal("first sighting should be admitted unchanged")
	}

	clk.Advance(10 * time.Second)
	repeat := makeDetection("b", "DC:0C:2D:11:22:33")
	repeat.RSSI = -40
	repeat.LastSeen = first.LastSeen.Add(10 * time.Second)

	merged := dd.Admit(repeat)
	if merged == nil || merged == emitted {
		t.Fatal("merge must return a fresh record, not the emitted pointer")
	}
	if merged.SeenCount != 2 || merged.RSSI != -40 {
		t.Errorf("merged = seen %d rssi %d, want 2 / -40", merged.SeenCount, merged.RSSI)
	}
	if emitted.SeenCount != 1 || emitted.RSSI != -60 || !emitted.LastSeen.Equal(first.LastSeen) {
		t.Errorf("emitted record changed after merge: seen %d rssi %d last %v",
			emitted.SeenCount, emitted.RSSI, emitted.LastSeen)
	}

	// A later merge must leave the previously merged record untouched too.
	clk.Advance(10 * time.Second)
	third := dd.Admit(makeDetection("c", "DC:0C:2D:11:22:33"))
	if third == merged {
		t.Fatal("second merge must not reuse the prior merged pointer")
	}
	if third.SeenCount != 3 || merged.SeenCount != 2 {
		t.Errorf("SeenCount = %d/%d, want 3 with prior record still at 2",
			third.SeenCount, merged.SeenCount)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.Default().Dedup
	dd := New(cfg)
	dd.SetClock(clk.Now)

	dd.Admit(makeDetection("a", "DC:0C:2D:11:22:33"))
	if dd.TrackedCount() != 1 {
		t.Fatalf("TrackedCount = %d, want 1", dd.TrackedCount())
	}

	clk.Advance(cfg.RetentionWindow + time.Minute)
	if removed := dd.Sweep(); removed == 0 {
		t.Fatal("expected sweep to evict stale entries")
	}
	if dd.TrackedCount() != 0 {
		t.Errorf("TrackedCount = %d after sweep, want 0", dd.TrackedCount())
	}
}

func TestStableIDPrefersRealMAC(t *testing.T) {
	real := makeDetection("a", "DC:0C:2D:11:22:33")
	if id := StableID(real); id != "mac:dc:0c:2d:11:22:33" {
		t.Errorf("StableID = %q, want the real MAC", id)
	}

	// Randomized MAC with two stable signals synthesizes an identity.
	random := makeDetection("b", "4A:11:22:33:44:55")
	id := StableID(random)
	if id == "mac:4a:11:22:33:44:55" {
		t.Error("randomized MAC must not be used as a stable identity")
	}
	random2 := makeDetection("c", "7E:99:88:77:66:55")
	if StableID(random2) != id {
		t.Error("same advertisement content should synthesize the same identity")
	}
}

func TestSynthesizedIDNeedsTwoSignals(t *testing.T) {
	d := &detection.Detection{
		ID:           "a",
		Protocol:     detection.ProtocolBLE,
		MAC:          "4A:11:22:33:44:55",
		Name:         "headphones", // generic, does not count
		ServiceUUIDs: []string{"fd5a"},
	}
	if _, ok := synthesizedBLEID(d); ok {
		t.Fatal("one signal must not be enough for a synthetic identity")
	}

	d.Manufacturer = "Apple"
	if _, ok := synthesizedBLEID(d); !ok {
		t.Fatal("two independent signals should synthesize an identity")
	}
}

func TestJaccardSimilarity(t *testing.T) {
	a := map[string]bool{"fd5a": true, "feed": true}
	b := map[string]bool{"feed": true, "fd5a": true}
	if got := JaccardSimilarity(a, b); got != 1 {
		t.Errorf("identical sets = %v, want 1", got)
	}
	c := map[string]bool{"fd5a": true, "180f": true, "180a": true}
	if got := JaccardSimilarity(a, c); got != 0.25 {
		t.Errorf("one-of-four overlap = %v, want 0.25", got)
	}
	if got := JaccardSimilarity(nil, nil); got != 0 {
		t.Errorf("empty sets = %v, want 0", got)
	}
}

func TestSSIDSimilarity(t *testing.T) {
	if got := SSIDSimilarity("CoffeeShop", "coffeeshop"); got != 1 {
		t.Errorf("case-insensitive identical = %v, want 1", got)
	}
	if got := SSIDSimilarity("pineapple_5g", "pineapple_2g"); got < 0.85 {
		t.Errorf("near-identical SSIDs = %v, want >= 0.85", got)
	}
	if got := SSIDSimilarity("pineapple_5g", "totally-unrelated"); got >= 0.85 {
		t.Errorf("unrelated SSIDs = %v, want < 0.85", got)
	}
}

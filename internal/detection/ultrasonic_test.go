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
)

func TestUltrasonicSilverPushAttribution(t *testing.T) {
	tolerance := config.Default().Ultrasonic.FrequencyTolerance

	for _, freq := range []float64{18000, 17910, 18095} {
		sig, confidence := attributeBeacon(freq, tolerance)
		if sig.Manufacturer != "SilverPush" {
			t.Errorf("attributeBeacon(%.0f) = %s, want SilverPush", freq, sig.Manufacturer)
		}
		if confidence < 80 {
			t.Errorf("attributeBeacon(%.0f) confidence = %d, want >= 80", freq, confidence)
		}
	}
}

func TestUltrasonicUnknownFrequency(t *testing.T) {
	tolerance := config.Default().Ultrasonic.FrequencyTolerance

	sig, confidence := attributeBeacon(15000, tolerance)
	if sig.Category != CategoryUnknownBeacon {
		t.Errorf("category = %s, want %s", sig.Category, CategoryUnknownBeacon)
	}
	if confidence >= 80 {
		t.Errorf("unknown beacon confidence = %d, want < 80", confidence)
	}
}

func TestUltrasonicBeaconDetection(t *testing.T) {
	h := NewUltrasonicHandler(config.Default().Ultrasonic)

	d, err := h.Handle(context.Background(), &UltrasonicContext{
		Timestamp:        time.Now(),
		FrequencyHz:      18000,
		Amplitude:        0.6,
		SNR:              15,
		PersistenceScore: 0.2,
		LocationCount:    1,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if d == nil {
		t.Fatal("expected beacon detection")
	}
	if d.Method != MethodUltrasonicBeacon {
		t.Errorf("method = %s, want %s", d.Method, MethodUltrasonicBeacon)
	}
	if d.Manufacturer != "SilverPush" {
		t.Errorf("manufacturer = %s, want SilverPush", d.Manufacturer)
	}
}

func TestUltrasonicFollowingEscalatesToTracking(t *testing.T) {
	h := NewUltrasonicHandler(config.Default().Ultrasonic)

	single, err := h.Handle(context.Background(), &UltrasonicContext{
		Timestamp:        time.Now(),
		FrequencyHz:      18000,
		SNR:              12,
		PersistenceScore: 0.3,
		LocationCount:    1,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	followed, err := h.Handle(context.Background(), &UltrasonicContext{
		Timestamp:        time.Now(),
		FrequencyHz:      18000,
		SNR:              12,
		PersistenceScore: 0.8,
		LocationCount:    3,
		Following:        true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if followed == nil {
		t.Fatal("expected tracking detection")
	}
	if followed.Method != MethodUltrasonicTracking {
		t.Errorf("method = %s, want %s", followed.Method, MethodUltrasonicTracking)
	}
	if single != nil && followed.Score <= single.Score {
		t.Errorf("following score %d should exceed single-location score %d", followed.Score, single.Score)
	}
}

func TestUltrasonicCategoryWeighting(t *testing.T) {
	uc := &UltrasonicContext{PersistenceScore: 0.5, SNR: 12}

	linking := trackingLikelihood(CategoryCrossDeviceLink, 80, uc, false)
	retail := trackingLikelihood(CategoryRetailAnalytics, 80, uc, false)
	if linking <= retail {
		t.Errorf("cross-device-linking likelihood %d should exceed retail-analytics %d", linking, retail)
	}
}

func TestUltrasonicRejectsInvalidFrequency(t *testing.T) {
	h := NewUltrasonicHandler(config.Default().Ultrasonic)
	if _, err := h.Handle(context.Background(), &UltrasonicContext{FrequencyHz: 0}); err == nil {
		t.Fatal("expected error for zero frequency")
	}
}

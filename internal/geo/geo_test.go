// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package geo

import (
	"math"
	"testing"
)

func TestDistanceMeters(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		wantM     float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         Point{Latitude: 51.5074, Longitude: -0.1278},
			b:         Point{Latitude: 51.5074, Longitude: -0.1278},
			wantM:     0,
			tolerance: 0.001,
		},
		{
			name:      "London to Paris",
			a:         Point{Latitude: 51.5074, Longitude: -0.1278},
			b:         Point{Latitude: 48.8566, Longitude: 2.3522},
			wantM:     343_500,
			tolerance: 2_000,
		},
		{
			name:      "short hop ~111m",
			a:         Point{Latitude: 37.7749, Longitude: -122.4194},
			b:         Point{Latitude: 37.7759, Longitude: -122.4194},
			wantM:     111.2,
			tolerance: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.a, tt.b)
			if math.Abs(got-tt.wantM) > tt.tolerance {
				t.Errorf("DistanceMeters() = %.1f, want %.1f ± %.1f", got, tt.wantM, tt.tolerance)
			}
		})
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := Point{Latitude: 35.6762, Longitude: 139.6503}
	b := Point{Latitude: -33.8688, Longitude: 151.2093}
	if d1, d2 := DistanceMeters(a, b), DistanceMeters(b, a); d1 != d2 {
		t.Errorf("distance not symmetric: %v != %v", d1, d2)
	}
}

func TestPointValid(t *testing.T) {
	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"normal", Point{Latitude: 40.7, Longitude: -74.0}, true},
		{"null island", Point{}, false},
		{"lat out of range", Point{Latitude: 91, Longitude: 0}, false},
		{"lon out of range", Point{Latitude: 0, Longitude: 181}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpectedConstellations(t *testing.T) {
	// Western Europe: global set only, no BeiDou/QZSS/NavIC.
	eu := ExpectedConstellations(Point{Latitude: 48.8566, Longitude: 2.3522})
	if eu[ConstellationBeiDou] || eu[ConstellationQZSS] || eu[ConstellationNavIC] {
		t.Error("unexpected regional constellations in western Europe")
	}
	for _, c := range []Constellation{ConstellationGPS, ConstellationGLONASS, ConstellationGalileo, ConstellationSBAS} {
		if !eu[c] {
			t.Errorf("missing global constellation %s", c)
		}
	}

	// Tokyo: east of 70°E and inside the QZSS footprint.
	jp := ExpectedConstellations(Point{Latitude: 35.6762, Longitude: 139.6503})
	if !jp[ConstellationBeiDou] {
		t.Error("expected BeiDou east of 70E")
	}
	if !jp[ConstellationQZSS] {
		t.Error("expected QZSS in Japan")
	}

	// Delhi: BeiDou and NavIC expected.
	in := ExpectedConstellations(Point{Latitude: 28.6139, Longitude: 77.2090})
	if !in[ConstellationNavIC] {
		t.Error("expected NavIC in India")
	}
}

func TestConstellationMatchScore(t *testing.T) {
	p := Point{Latitude: 48.8566, Longitude: 2.3522}

	full := []Constellation{ConstellationGPS, ConstellationGLONASS, ConstellationGalileo, ConstellationSBAS}
	if got := ConstellationMatchScore(p, full); got != 1 {
		t.Errorf("full match score = %v, want 1", got)
	}

	// GPS only: 1 of 4 expected.
	if got := ConstellationMatchScore(p, []Constellation{ConstellationGPS}); got != 0.25 {
		t.Errorf("partial score = %v, want 0.25", got)
	}

	// Unexpected regional constellation in Europe reduces the score.
	withBeiDou := append(append([]Constellation{}, full...), ConstellationBeiDou)
	if got := ConstellationMatchScore(p, withBeiDou); got >= 1 {
		t.Errorf("score with unexpected constellation = %v, want < 1", got)
	}
}

// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package geo provides great-circle distance math and GNSS constellation
// coverage lookups used by the detection handlers.
package geo

import "math"

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within WGS84 bounds. A zero Point
// (0,0) is treated as "no fix" since real detections never land exactly
// on the null island origin.
func (p Point) Valid() bool {
	if p.Latitude == 0 && p.Longitude == 0 {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

const earthRadiusMeters = 6371000.0

// DistanceMeters calculates the great-circle distance between two points
// using the Haversine formula. Returns distance in meters.
func DistanceMeters(a, b Point) float64 {
	lat1Rad := a.Latitude * math.Pi / 180.0
	lon1Rad := a.Longitude * math.Pi / 180.0
	lat2Rad := b.Latitude * math.Pi / 180.0
	lon2Rad := b.Longitude * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Constellation identifies a GNSS satellite system.
type Constellation string

const (
	ConstellationGPS     Constellation = "GPS"
	ConstellationGLONASS Constellation = "GLONASS"
	ConstellationGalileo Constellation = "GALILEO"
	ConstellationBeiDou  Constellation = "BEIDOU"
	ConstellationQZSS    Constellation = "QZSS"
	ConstellationNavIC   Constellation = "NAVIC"
	ConstellationSBAS    Constellation = "SBAS"
)

// coverageBox bounds a regional constellation's service area.
type coverageBox struct {
	minLat, maxLat float64
	minLon, maxLon float64
}

func (b coverageBox) contains(p Point) bool {
	return p.Latitude >= b.minLat && p.Latitude <= b.maxLat &&
		p.Longitude >= b.minLon && p.Longitude <= b.maxLon
}

// Regional augmentation footprints. QZSS serves the Asia-Oceania
// quasi-zenith region, NavIC serves the Indian subcontinent and
// surrounds.
var (
	qzssBox  = coverageBox{minLat: -45, maxLat: 50, minLon: 90, maxLon: 180}
	navICBox = coverageBox{minLat: -30, maxLat: 50, minLon: 30, maxLon: 130}
)

// ExpectedConstellations returns the set of GNSS constellations a healthy
// receiver at the given location should observe. GPS, GLONASS, Galileo,
// and SBAS are global; BeiDou has full coverage east of 70°E; QZSS and
// NavIC are added within their regional footprints. When the location is
// invalid only the global set is returned.
func ExpectedConstellations(p Point) map[Constellation]bool {
	expected := map[Constellation]bool{
		ConstellationGPS:     true,
		ConstellationGLONASS: true,
		ConstellationGalileo: true,
		ConstellationSBAS:    true,
	}
	if !p.Valid() {
		return expected
	}
	if p.Longitude >= 70 {
		expected[ConstellationBeiDou] = true
	}
	if qzssBox.contains(p) {
		expected[ConstellationQZSS] = true
	}
	if navICBox.contains(p) {
		expected[ConstellationNavIC] = true
	}
	return expected
}

// ConstellationMatchScore compares observed constellations against the
// expected set for a location. Returns a score in [0,1] where 1 means a
// perfect match. Missing expected constellations and unexpected observed
// constellations both reduce the score.
func ConstellationMatchScore(p Point, observed []Constellation) float64 {
	expected := ExpectedConstellations(p)
	if len(expected) == 0 {
		return 1
	}

	seen := make(map[Constellation]bool, len(observed))
	for _, c := range observed {
		seen[c] = true
	}

	matched := 0
	for c := range expected {
		if seen[c] {
			matched++
		}
	}
	unexpected := 0
	for c := range seen {
		if !expected[c] {
			unexpected++
		}
	}

	score := float64(matched) / float64(len(expected))
	score -= 0.15 * float64(unexpected)
	if score < 0 {
		return 0
	}
	return score
}

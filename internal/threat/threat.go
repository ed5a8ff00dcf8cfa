// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package threat implements the shared scoring formula used by every
// protocol handler. Handlers feed a base likelihood plus contextual
// signals into Score and receive a calculation result carrying the raw
// score, severity bucket, and a reasoning trail. Handlers must not map
// scores to severities on their own; the one sanctioned exception is
// the cellular IMSI-catcher band mapping in BandSeverity.
package threat

import (
	"fmt"
	"strings"
)

// Level is a detection severity bucket.
type Level string

const (
	LevelInfo     Level = "info"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Rank returns the ordinal position of the level, INFO lowest. Used for
// comparisons and for asserting bucket monotonicity.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 4
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

// DeviceType classifies the hardware class a detection attributes to.
type DeviceType string

const (
	DeviceUnknown             DeviceType = "unknown"
	DeviceIMSICatcher         DeviceType = "imsi_catcher"
	DeviceForensicTool        DeviceType = "forensic_tool"
	DeviceWiFiPineapple       DeviceType = "wifi_pineapple"
	DeviceGNSSSpoofer         DeviceType = "gnss_spoofer"
	DeviceBodyCamera          DeviceType = "body_camera"
	DeviceHiddenCamera        DeviceType = "hidden_camera"
	DeviceAudioRecorder       DeviceType = "audio_recorder"
	DeviceGPSTracker          DeviceType = "gps_tracker"
	DeviceConsumerTracker     DeviceType = "consumer_tracker"
	DeviceUltrasonicBeacon    DeviceType = "ultrasonic_beacon"
	DeviceHackingTool         DeviceType = "hacking_tool"
	DeviceDrone               DeviceType = "drone"
	DeviceLPRCamera           DeviceType = "lpr_camera"
	DeviceTrafficSensor       DeviceType = "traffic_sensor"
	DeviceSmartInfrastructure DeviceType = "smart_infrastructure"
	DeviceSatelliteNTN        DeviceType = "satellite_ntn"
	DeviceConsumerIoT         DeviceType = "consumer_iot"
)

// impactFactors weight the base likelihood by how damaging the device
// class is if the detection is real. Active interception hardware sits
// at 2.0, passive environmental infrastructure at 0.5.
var impactFactors = map[DeviceType]float64{
	DeviceIMSICatcher:         2.0,
	DeviceForensicTool:        2.0,
	DeviceWiFiPineapple:       2.0,
	DeviceGNSSSpoofer:         1.8,
	DeviceHackingTool:         1.7,
	DeviceHiddenCamera:        1.5,
	DeviceAudioRecorder:       1.5,
	DeviceGPSTracker:          1.4,
	DeviceBodyCamera:          1.3,
	DeviceConsumerTracker:     1.2,
	DeviceSatelliteNTN:        1.2,
	DeviceDrone:               1.1,
	DeviceUltrasonicBeacon:    1.0,
	DeviceLPRCamera:           0.8,
	DeviceConsumerIoT:         0.7,
	DeviceTrafficSensor:       0.5,
	DeviceSmartInfrastructure: 0.5,
}

// ImpactFactor returns the impact multiplier for a device type, 1.0 for
// unknown types.
func ImpactFactor(dt DeviceType) float64 {
	if f, ok := impactFactors[dt]; ok {
		return f
	}
	return 1.0
}

// SignalBucket classifies a signal metric reading.
type SignalBucket string

const (
	SignalStrong   SignalBucket = "strong"
	SignalGood     SignalBucket = "good"
	SignalModerate SignalBucket = "moderate"
	SignalWeak     SignalBucket = "weak"
	SignalVeryWeak SignalBucket = "very_weak"
)

// BucketRSSI maps a dBm reading into a signal bucket.
func BucketRSSI(rssi int) SignalBucket {
	switch {
	case rssi >= -50:
		return SignalStrong
	case rssi >= -65:
		return SignalGood
	case rssi >= -75:
		return SignalModerate
	case rssi >= -85:
		return SignalWeak
	default:
		return SignalVeryWeak
	}
}

// Input carries the contextual signals feeding one scoring call.
type Input struct {
	BaseLikelihood              int
	DeviceType                  DeviceType
	SignalMetric                int
	SeenCount                   int
	HasMultipleIndicators       bool
	HasCrossProtocolCorrelation bool
	IsKnownFalsePositive        bool
	IsConsumerDevice            bool
}

// Adjustment is one named confidence delta applied during scoring.
type Adjustment struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

// CalculationResult is the full output of one scoring call. It is
// derived, never stored; the reasoning string makes the score
// explainable without replaying the inputs.
type CalculationResult struct {
	Score        int          `json:"score"`
	Severity     Level        `json:"severity"`
	Likelihood   int          `json:"likelihood"`
	ImpactFactor float64      `json:"impactFactor"`
	Confidence   float64      `json:"confidence"`
	Adjustments  []Adjustment `json:"adjustments"`
	Reasoning    string       `json:"reasoning"`
}

const (
	baseConfidence = 0.5
	minConfidence  = 0.1
	maxConfidence  = 1.0
)

// Score computes the threat score and severity for one candidate
// detection:
//
//	rawScore = clamp(baseLikelihood * impactFactor * confidence, 0, 100)
//
// Confidence starts at 0.5 and accrues the named adjustments recorded in
// the result. The severity bucket is a monotonic function of the score.
func Score(in Input) CalculationResult {
	likelihood := clampInt(in.BaseLikelihood, 0, 100)
	impact := ImpactFactor(in.DeviceType)

	confidence := baseConfidence
	var adjustments []Adjustment
	apply := func(name string, delta float64) {
		confidence += delta
		adjustments = append(adjustments, Adjustment{Name: name, Delta: delta})
	}

	switch BucketRSSI(in.SignalMetric) {
	case SignalStrong:
		apply("strong_signal", 0.1)
	case SignalGood:
		apply("good_signal", 0.05)
	case SignalWeak:
		apply("weak_signal", -0.1)
	case SignalVeryWeak:
		apply("very_weak_signal", -0.2)
	}

	if in.HasMultipleIndicators {
		apply("multiple_indicators", 0.2)
	} else {
		apply("single_indicator", -0.3)
	}
	if in.HasCrossProtocolCorrelation {
		apply("cross_protocol_correlation", 0.3)
	}
	if in.IsKnownFalsePositive {
		apply("known_false_positive", -0.5)
	}
	if in.IsConsumerDevice {
		apply("consumer_device", -0.2)
	}
	if in.SeenCount > 3 {
		apply("persistent_sighting", 0.2)
	} else if in.SeenCount <= 1 {
		apply("brief_sighting", -0.2)
	}

	if confidence < minConfidence {
		confidence = minConfidence
	}
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	raw := float64(likelihood) * impact * confidence
	score := clampInt(int(raw), 0, 100)

	return CalculationResult{
		Score:        score,
		Severity:     SeverityForScore(score),
		Likelihood:   likelihood,
		ImpactFactor: impact,
		Confidence:   confidence,
		Adjustments:  adjustments,
		Reasoning:    buildReasoning(likelihood, impact, confidence, score, adjustments),
	}
}

// SeverityForScore maps a 0-100 score to its severity bucket.
func SeverityForScore(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelInfo
	}
}

// BandSeverity maps a cellular IMSI-catcher score directly to severity
// using the fixed band table. This is the one protocol-specific override
// of SeverityForScore: IMSI scores are additive indicator sums, not
// likelihood products, and use wider bands.
func BandSeverity(score int) Level {
	switch {
	case score >= 90:
		return LevelCritical
	case score >= 70:
		return LevelHigh
	case score >= 50:
		return LevelMedium
	case score >= 30:
		return LevelLow
	default:
		return LevelInfo
	}
}

func buildReasoning(likelihood int, impact, confidence float64, score int, adjustments []Adjustment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "likelihood %d x impact %.2f x confidence %.2f = score %d", likelihood, impact, confidence, score)
	if len(adjustments) > 0 {
		b.WriteString(" (")
		for i, a := range adjustments {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %+.2f", a.Name, a.Delta)
		}
		b.WriteString(")")
	}
	return b.String()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

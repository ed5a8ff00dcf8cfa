// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the detection engine:
// - per-handler evaluation latency and outcome counts
// - deduplicator merge/throttle activity
// - detection bus fan-out
// - sliding-window history sizes (the unbounded-growth tripwire)

var (
	// Handler Metrics
	HandlerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handler_evaluations_total",
			Help: "Total scan contexts evaluated per protocol handler",
		},
		[]string{"protocol"},
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_evaluation_duration_seconds",
			Help:    "Duration of a single handler evaluation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"protocol"},
	)

	DetectionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detections_emitted_total",
			Help: "Total detections emitted onto the bus, by protocol and severity",
		},
		[]string{"protocol", "severity"},
	)

	DetectionsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detections_skipped_total",
			Help: "Scan contexts that produced no detection, by protocol and reason",
		},
		[]string{"protocol", "reason"}, // "no_match", "rssi_floor", "rate_limited", "disabled", "malformed"
	)

	// Deduplicator Metrics
	DedupMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_merges_total",
			Help: "Candidate detections merged into an existing sighting, by match strategy",
		},
		[]string{"strategy"}, // "mac", "uuid_jaccard", "composite", "geo", "ssid_fuzzy"
	)

	DedupThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_throttled_total",
			Help: "Re-emissions suppressed inside the throttle window",
		},
	)

	DedupTrackedDetections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_tracked_detections",
			Help: "Detections currently held for duplicate matching",
		},
	)

	// Detection Bus Metrics
	BusPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_detections_published_total",
			Help: "Detections published to the bus",
		},
	)

	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscribers",
			Help: "Current bus subscriber count",
		},
	)

	BusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_detections_dropped_total",
			Help: "Detections dropped for slow subscribers",
		},
	)

	// History Metrics
	HistoryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "history_entries",
			Help: "Current sliding-window history entries per handler and kind",
		},
		[]string{"protocol", "kind"}, // kind: "rssi", "packets", "activations", "sightings", "spam"
	)

	HistoryEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_evictions_total",
			Help: "Device histories evicted by retention pruning or capacity limits",
		},
		[]string{"protocol"},
	)

	// Signature Store Metrics
	SignatureMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signature_matches_total",
			Help: "Observations matched against learned signatures",
		},
	)

	SignaturesStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signatures_stored",
			Help: "Learned signatures currently stored",
		},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordEvaluation tracks one handler pass over a scan context.
func RecordEvaluation(protocol string, duration time.Duration) {
	HandlerEvaluations.WithLabelValues(protocol).Inc()
	HandlerDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// RecordDetection tracks an emitted detection.
func RecordDetection(protocol, severity string) {
	DetectionsEmitted.WithLabelValues(protocol, severity).Inc()
	BusPublished.Inc()
}

// RecordSkip tracks an evaluation that produced no detection.
func RecordSkip(protocol, reason string) {
	DetectionsSkipped.WithLabelValues(protocol, reason).Inc()
}

// RecordMerge tracks a dedup cascade hit.
func RecordMerge(strategy string) {
	DedupMerges.WithLabelValues(strategy).Inc()
}

// RecordAPIRequest tracks one HTTP request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

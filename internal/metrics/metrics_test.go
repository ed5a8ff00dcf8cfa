// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDetectionIncrements(t *testing.T) {
	before := testutil.ToFloat64(DetectionsEmitted.WithLabelValues("ble", "high"))
	busBefore := testutil.ToFloat64(BusPublished)

	RecordDetection("ble", "high")

	if got := testutil.ToFloat64(DetectionsEmitted.WithLabelValues("ble", "high")); got != before+1 {
		t.Errorf("DetectionsEmitted = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(BusPublished); got != busBefore+1 {
		t.Errorf("BusPublished = %v, want %v", got, busBefore+1)
	}
}

func TestRecordSkipAndMerge(t *testing.T) {
	skipBefore := testutil.ToFloat64(DetectionsSkipped.WithLabelValues("gnss", "no_match"))
	mergeBefore := testutil.ToFloat64(DedupMerges.WithLabelValues("mac"))

	RecordSkip("gnss", "no_match")
	RecordMerge("mac")

	if got := testutil.ToFloat64(DetectionsSkipped.WithLabelValues("gnss", "no_match")); got != skipBefore+1 {
		t.Errorf("DetectionsSkipped = %v, want %v", got, skipBefore+1)
	}
	if got := testutil.ToFloat64(DedupMerges.WithLabelValues("mac")); got != mergeBefore+1 {
		t.Errorf("DedupMerges = %v, want %v", got, mergeBefore+1)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/healthz", "200"))

	RecordAPIRequest("GET", "/healthz", "200", 3*time.Millisecond)

	if got := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/healthz", "200")); got != before+1 {
		t.Errorf("APIRequestsTotal = %v, want %v", got, before+1)
	}
}

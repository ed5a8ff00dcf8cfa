// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dedup.ThrottleWindow != 5*time.Second {
		t.Errorf("throttle window = %v, want 5s", cfg.Dedup.ThrottleWindow)
	}
	if cfg.Bus.ReplayCapacity != 100 {
		t.Errorf("replay capacity = %d, want 100", cfg.Bus.ReplayCapacity)
	}
	if cfg.BLE.SpamAppleThreshold != 15 || cfg.BLE.SpamFastPairThreshold != 10 || cfg.BLE.SpamNameThreshold != 8 {
		t.Error("BLE spam thresholds do not match documented defaults")
	}
	if cfg.GNSS.JammingSatCeiling != 8 || cfg.GNSS.GoodFixSatCeiling != 10 {
		t.Error("GNSS ceilings do not match documented defaults")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("ble:\n  spam_apple_threshold: 25\ngnss:\n  jamming_sat_ceiling: 6\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BLE.SpamAppleThreshold != 25 {
		t.Errorf("spam_apple_threshold = %d, want 25 (file override)", cfg.BLE.SpamAppleThreshold)
	}
	if cfg.GNSS.JammingSatCeiling != 6 {
		t.Errorf("jamming_sat_ceiling = %d, want 6 (file override)", cfg.GNSS.JammingSatCeiling)
	}
	// Untouched values keep defaults.
	if cfg.BLE.SpamNameThreshold != 8 {
		t.Errorf("spam_name_threshold = %d, want default 8", cfg.BLE.SpamNameThreshold)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("cellular:\n  medium_score_floor: 35\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("COUNTERVEIL_CELLULAR_MEDIUM_SCORE_FLOOR", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Cellular.MediumScoreFloor != 45 {
		t.Errorf("medium_score_floor = %d, want env override 45", cfg.Cellular.MediumScoreFloor)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"COUNTERVEIL_BLE_SPAM_WINDOW", "ble.spam_window"},
		{"COUNTERVEIL_SERVER_PORT", "server.port"},
		{"COUNTERVEIL_DEDUP_THROTTLE_WINDOW", "dedup.throttle_window"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateRejectsInvertedCeilings(t *testing.T) {
	cfg := Default()
	cfg.GNSS.GoodFixSatCeiling = 4
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for good_fix ceiling below jamming ceiling")
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"ERROR", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitAndLog(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("protocol", "ble").Msg("handler started")

	out := buf.String()
	if !strings.Contains(out, `"protocol":"ble"`) {
		t.Errorf("expected structured field in output, got %q", out)
	}
	if !strings.Contains(out, "handler started") {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	logger := NewSlogLogger()
	logger.Info("service started", slog.String("service", "detection-engine"))

	out := buf.String()
	if !strings.Contains(out, `"service":"detection-engine"`) {
		t.Errorf("expected slog attr translated to zerolog field, got %q", out)
	}
	if !strings.Contains(out, "service started") {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestSlogAdapterGroups(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	logger := NewSlogLogger().WithGroup("supervisor")
	logger.Warn("service restarted", slog.String("name", "ble-handler"))

	if !strings.Contains(buf.String(), `"supervisor.name":"ble-handler"`) {
		t.Errorf("expected group-prefixed key, got %q", buf.String())
	}
}

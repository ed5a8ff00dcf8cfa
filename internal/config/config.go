// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package config loads engine configuration with layered sources:
// built-in defaults, an optional YAML file, then environment variables.
// Detection never blocks on configuration: if loading fails, callers
// fall back to Default().
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/counterveil/config.yaml",
	"/etc/counterveil/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config is the full engine configuration tree.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Detection  DetectionConfig  `koanf:"detection"`
	BLE        BLEConfig        `koanf:"ble"`
	WiFi       WiFiConfig       `koanf:"wifi"`
	Cellular   CellularConfig   `koanf:"cellular"`
	GNSS       GNSSConfig       `koanf:"gnss"`
	Ultrasonic UltrasonicConfig `koanf:"ultrasonic"`
	Satellite  SatelliteConfig  `koanf:"satellite"`
	Dedup      DedupConfig      `koanf:"dedup"`
	Bus        BusConfig        `koanf:"bus"`
	Signatures SignaturesConfig `koanf:"signatures"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DetectionConfig holds thresholds shared by all protocol handlers.
type DetectionConfig struct {
	RSSIFloor         int           `koanf:"rssi_floor"`
	DeviceRateLimit   time.Duration `koanf:"device_rate_limit"`
	MaxTrackedDevices int           `koanf:"max_tracked_devices" validate:"min=16"`

	// MaxEventsPerSecond sheds scan observations above this rate.
	// Zero disables shedding.
	MaxEventsPerSecond float64 `koanf:"max_events_per_second" validate:"min=0"`
}

// BLEConfig configures the BLE analyzer.
type BLEConfig struct {
	Enabled bool `koanf:"enabled"`

	// Spam-attack detection.
	SpamWindow            time.Duration `koanf:"spam_window"`
	SpamAppleThreshold    int           `koanf:"spam_apple_threshold" validate:"min=1"`
	SpamFastPairThreshold int           `koanf:"spam_fastpair_threshold" validate:"min=1"`
	SpamNameThreshold     int           `koanf:"spam_name_threshold" validate:"min=1"`
	SpamCooldown          time.Duration `koanf:"spam_cooldown"`

	// Advertising-rate spike.
	RateSpikeThreshold    float64       `koanf:"rate_spike_threshold" validate:"min=1"`
	ActivationRetention   time.Duration `koanf:"activation_retention"`
	RecurringRadiusMeters float64       `koanf:"recurring_radius_meters"`
	RecurringMinGap       time.Duration `koanf:"recurring_min_gap"`

	// Consumer-tracker following analysis.
	FollowingMinLocations  int           `koanf:"following_min_locations" validate:"min=2"`
	FollowingMinDistance   float64       `koanf:"following_min_distance"`
	FollowingMinSeparation time.Duration `koanf:"following_min_separation"`
	FollowingWindow        time.Duration `koanf:"following_window"`
	PossessionRSSI         int           `koanf:"possession_rssi"`
	PossessionMinDuration  time.Duration `koanf:"possession_min_duration"`
	PossessionMaxVariance  float64       `koanf:"possession_max_variance"`
}

// WiFiConfig configures the WiFi analyzer.
type WiFiConfig struct {
	Enabled              bool          `koanf:"enabled"`
	DeviceRateLimit      time.Duration `koanf:"device_rate_limit"`
	DeauthBurstWindow    time.Duration `koanf:"deauth_burst_window"`
	DeauthBurstCount     int           `koanf:"deauth_burst_count" validate:"min=2"`
	FollowingMinSights   int           `koanf:"following_min_sightings" validate:"min=2"`
	FollowingMinDistance float64       `koanf:"following_min_distance"`
}

// CellularConfig configures the cellular anomaly analyzer.
type CellularConfig struct {
	Enabled          bool          `koanf:"enabled"`
	MethodRateLimit  time.Duration `koanf:"method_rate_limit"`
	MediumScoreFloor int           `koanf:"medium_score_floor" validate:"min=0,max=100"`
	TrustScoreFloor  int           `koanf:"trust_score_floor" validate:"min=0,max=100"`
}

// GNSSConfig configures the GNSS spoofing/jamming analyzer.
type GNSSConfig struct {
	Enabled                 bool    `koanf:"enabled"`
	JammingSatCeiling       int     `koanf:"jamming_sat_ceiling"`
	GoodFixSatCeiling       int     `koanf:"good_fix_sat_ceiling"`
	HealthyCN0              float64 `koanf:"healthy_cn0"`
	StrongFixSatCount       int     `koanf:"strong_fix_sat_count"`
	StrongFixConstellations int     `koanf:"strong_fix_constellations"`
	StrongFixDiscount       float64 `koanf:"strong_fix_discount" validate:"min=0,max=1"`
	UniformityVariance      float64 `koanf:"uniformity_variance"`
}

// UltrasonicConfig configures the ultrasonic beacon analyzer.
type UltrasonicConfig struct {
	Enabled               bool    `koanf:"enabled"`
	FrequencyTolerance    float64 `koanf:"frequency_tolerance"`
	FollowingMinLocations int     `koanf:"following_min_locations" validate:"min=2"`
}

// SatelliteConfig configures the satellite/NTN analyzer.
type SatelliteConfig struct {
	Enabled            bool          `koanf:"enabled"`
	ImpossibleRTT      time.Duration `koanf:"impossible_rtt"`
	RTTDeviationBonus  time.Duration `koanf:"rtt_deviation_bonus"`
	RapidHandoffWindow time.Duration `koanf:"rapid_handoff_window"`
	RapidHandoffCount  int           `koanf:"rapid_handoff_count" validate:"min=2"`
}

// DedupConfig configures the deduplicator.
type DedupConfig struct {
	ThrottleWindow       time.Duration `koanf:"throttle_window"`
	GeoProximityMeters   float64       `koanf:"geo_proximity_meters"`
	JaccardThreshold     float64       `koanf:"jaccard_threshold" validate:"min=0,max=1"`
	SSIDSimilarity       float64       `koanf:"ssid_similarity" validate:"min=0,max=1"`
	RetentionWindow      time.Duration `koanf:"retention_window"`
	SweepInterval        time.Duration `koanf:"sweep_interval"`
	MaxTrackedDetections int           `koanf:"max_tracked_detections" validate:"min=16"`
}

// BusConfig configures the detection bus.
type BusConfig struct {
	ReplayCapacity   int `koanf:"replay_capacity" validate:"min=1"`
	SubscriberBuffer int `koanf:"subscriber_buffer" validate:"min=1"`
}

// SignaturesConfig configures the learned-signature store.
type SignaturesConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Capacity int    `koanf:"capacity" validate:"min=1"`
	Store    string `koanf:"store" validate:"oneof=memory badger"`
	Path     string `koanf:"path"`
}

// Default returns a Config with all built-in defaults applied. These are
// the values detection falls back to when loading fails.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8419,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Detection: DetectionConfig{
			RSSIFloor:          -90,
			DeviceRateLimit:    30 * time.Second,
			MaxTrackedDevices:  4096,
			MaxEventsPerSecond: 200,
		},
		BLE: BLEConfig{
			Enabled:                true,
			SpamWindow:             10 * time.Second,
			SpamAppleThreshold:     15,
			SpamFastPairThreshold:  10,
			SpamNameThreshold:      8,
			SpamCooldown:           60 * time.Second,
			RateSpikeThreshold:     20.0,
			ActivationRetention:    24 * time.Hour,
			RecurringRadiusMeters:  50.0,
			RecurringMinGap:        5 * time.Minute,
			FollowingMinLocations:  3,
			FollowingMinDistance:   50.0,
			FollowingMinSeparation: 5 * time.Minute,
			FollowingWindow:        24 * time.Hour,
			PossessionRSSI:         -60,
			PossessionMinDuration:  30 * time.Minute,
			PossessionMaxVariance:  25.0,
		},
		WiFi: WiFiConfig{
			Enabled:              true,
			DeviceRateLimit:      30 * time.Second,
			DeauthBurstWindow:    10 * time.Second,
			DeauthBurstCount:     5,
			FollowingMinSights:   3,
			FollowingMinDistance: 100.0,
		},
		Cellular: CellularConfig{
			Enabled:          true,
			MethodRateLimit:  30 * time.Second,
			MediumScoreFloor: 40,
			TrustScoreFloor:  30,
		},
		GNSS: GNSSConfig{
			Enabled:                 true,
			JammingSatCeiling:       8,
			GoodFixSatCeiling:       10,
			HealthyCN0:              35.0,
			StrongFixSatCount:       30,
			StrongFixConstellations: 4,
			StrongFixDiscount:       0.7,
			UniformityVariance:      0.5,
		},
		Ultrasonic: UltrasonicConfig{
			Enabled:               true,
			FrequencyTolerance:    100.0,
			FollowingMinLocations: 2,
		},
		Satellite: SatelliteConfig{
			Enabled:            true,
			ImpossibleRTT:      10 * time.Millisecond,
			RTTDeviationBonus:  50 * time.Millisecond,
			RapidHandoffWindow: 5 * time.Minute,
			RapidHandoffCount:  3,
		},
		Dedup: DedupConfig{
			ThrottleWindow:       5 * time.Second,
			GeoProximityMeters:   10.0,
			JaccardThreshold:     0.5,
			SSIDSimilarity:       0.85,
			RetentionWindow:      time.Hour,
			SweepInterval:        time.Minute,
			MaxTrackedDetections: 2048,
		},
		Bus: BusConfig{
			ReplayCapacity:   100,
			SubscriberBuffer: 64,
		},
		Signatures: SignaturesConfig{
			Enabled:  true,
			Capacity: 256,
			Store:    "memory",
			Path:     "/data/signatures",
		},
	}
}

// Load reads configuration with layered precedence: env > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// COUNTERVEIL_BLE_SPAM_WINDOW -> ble.spam_window
	envProvider := env.Provider("COUNTERVEIL_", ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envTransform maps COUNTERVEIL_SECTION_FIELD_NAME to section.field_name.
// The first underscore-separated token selects the section; the rest form
// the snake_case key.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, "COUNTERVEIL_")
	parts := strings.SplitN(strings.ToLower(s), "_", 2)
	if len(parts) != 2 {
		return strings.ToLower(s)
	}
	return parts[0] + "." + parts[1]
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the configuration against struct tags plus the
// cross-field constraints the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.GNSS.GoodFixSatCeiling < c.GNSS.JammingSatCeiling {
		return fmt.Errorf("gnss.good_fix_sat_ceiling (%d) must be >= gnss.jamming_sat_ceiling (%d)",
			c.GNSS.GoodFixSatCeiling, c.GNSS.JammingSatCeiling)
	}
	if c.Dedup.RetentionWindow < 2*c.Dedup.ThrottleWindow {
		return fmt.Errorf("dedup.retention_window (%s) must be >= twice dedup.throttle_window (%s)",
			c.Dedup.RetentionWindow, c.Dedup.ThrottleWindow)
	}
	return nil
}

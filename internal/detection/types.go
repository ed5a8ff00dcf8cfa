// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/threat"
)

// Protocol identifies the radio/sensor modality a detection came from.
type Protocol string

const (
	ProtocolBLE        Protocol = "ble"
	ProtocolWiFi       Protocol = "wifi"
	ProtocolCellular   Protocol = "cellular"
	ProtocolGNSS       Protocol = "gnss"
	ProtocolUltrasonic Protocol = "ultrasonic"
	ProtocolSatellite  Protocol = "satellite"
	ProtocolLearned    Protocol = "learned"
)

// Method identifies the analysis path that produced a detection.
type Method string

const (
	MethodSpamAttack         Method = "ble_spam_attack"
	MethodRateSpike          Method = "ble_rate_spike"
	MethodServiceUUID        Method = "ble_service_uuid"
	MethodDeviceName         Method = "ble_device_name"
	MethodOUIPrefix          Method = "oui_prefix"
	MethodTrackerFollowing   Method = "tracker_following"
	MethodSSIDPattern        Method = "wifi_ssid_pattern"
	MethodEvilTwin           Method = "wifi_evil_twin"
	MethodDeauthBurst        Method = "wifi_deauth_burst"
	MethodHiddenCamera       Method = "wifi_hidden_camera"
	MethodFollowingNetwork   Method = "wifi_following_network"
	MethodIMSICatcher        Method = "cellular_imsi_catcher"
	MethodGNSSSpoofing       Method = "gnss_spoofing"
	MethodGNSSJamming        Method = "gnss_jamming"
	MethodConstellation      Method = "gnss_constellation_mismatch"
	MethodUltrasonicBeacon   Method = "ultrasonic_beacon"
	MethodUltrasonicTracking Method = "ultrasonic_tracking"
	MethodSatelliteAnomaly   Method = "satellite_ntn_anomaly"
	MethodSatelliteSimulator Method = "satellite_cell_simulator"
	MethodLearnedSignature   Method = "learned_signature"
)

// Detection is the engine's single output record. It is immutable after
// publication onto the bus; the deduplicator may revise Score, Level,
// SeenCount, and LastSeen exactly once while merging with a prior
// sighting of the same device.
type Detection struct {
	ID              string              `json:"id"`
	Protocol        Protocol            `json:"protocol"`
	Method          Method              `json:"method"`
	DeviceType      threat.DeviceType   `json:"deviceType"`
	Name            string              `json:"name"`
	MAC             string              `json:"mac,omitempty"`
	SSID            string              `json:"ssid,omitempty"`
	RSSI            int                 `json:"rssi"`
	SignalBucket    threat.SignalBucket `json:"signalBucket"`
	Location        *geo.Point          `json:"location,omitempty"`
	Level           threat.Level        `json:"level"`
	Score           int                 `json:"score"`
	Manufacturer    string              `json:"manufacturer,omitempty"`
	MatchedPatterns string              `json:"matchedPatterns,omitempty"`
	ServiceUUIDs    []string            `json:"serviceUuids,omitempty"`
	RawData         json.RawMessage     `json:"rawData,omitempty"`
	Active          bool                `json:"active"`
	SeenCount       int                 `json:"seenCount"`
	LastSeen        time.Time           `json:"lastSeen"`
}

// newDetectionID returns a fresh detection identifier.
func newDetectionID() string {
	return uuid.NewString()
}

// BLEContext is one BLE advertisement observation.
type BLEContext struct {
	Timestamp        time.Time
	MAC              string
	Name             string
	RSSI             int
	ServiceUUIDs     []string
	ManufacturerData map[uint16]string // company ID -> hex payload
	AdvertisingRate  float64           // packets per second
	Location         *geo.Point
}

// WiFiNetwork is one access point in a scan batch.
type WiFiNetwork struct {
	SSID         string
	BSSID        string
	RSSI         int
	FrequencyMHz int
	Capabilities string
	Hidden       bool
}

// WiFiContext is one WiFi scan batch observation.
type WiFiContext struct {
	Timestamp   time.Time
	Networks    []WiFiNetwork
	DeauthCount int // deauthentication frames seen since the prior batch
	Location    *geo.Point
}

// CellularAnomalyType enumerates the anomaly classes reported by the
// cellular scan collaborator.
type CellularAnomalyType string

const (
	CellAnomalySuspiciousNetwork   CellularAnomalyType = "suspicious_network"
	CellAnomalyEncryptionDowngrade CellularAnomalyType = "encryption_downgrade"
	CellAnomalySignalJump          CellularAnomalyType = "signal_jump"
	CellAnomalyCellChange          CellularAnomalyType = "stationary_cell_change"
	CellAnomalyImpossibleMovement  CellularAnomalyType = "impossible_movement"
	CellAnomalyUnknownCell         CellularAnomalyType = "unknown_cell"
)

// CellularContext is one cellular anomaly observation.
type CellularContext struct {
	Timestamp            time.Time
	Anomaly              CellularAnomalyType
	MCC                  string
	MNC                  string
	CellID               string
	PreviousCellID       string
	LAC                  string
	SignalDBM            int
	PreviousSignalDBM    int
	NetworkType          string // "2G", "3G", "4G", "5G", "none"
	EncryptionDowngraded bool
	Stationary           bool
	ImpossibleSpeed      bool
	CellTrustScore       int // 0-100 familiarity score from the trust collaborator
	SeverityOverride     threat.Level
	Factors              []string
	Location             *geo.Point
}

// GNSSContext is one GNSS analysis snapshot.
type GNSSContext struct {
	Timestamp           time.Time
	Constellations      []geo.Constellation
	SatelliteCount      int
	CN0Mean             float64
	CN0Variance         float64
	CN0BaselineDelta    float64 // deviation from rolling baseline, in sigmas
	ClockDriftErratic   bool
	GeometryScore       float64 // 0-1, 1 = ideal geometry
	LowElevationHighCN0 bool
	JammingIndicator    bool
	HealthySatCount     int // satellites with healthy CN0
	Location            *geo.Point
}

// UltrasonicContext is one ultrasonic audio detection.
type UltrasonicContext struct {
	Timestamp        time.Time
	FrequencyHz      float64
	Amplitude        float64 // 0-1 normalized
	SNR              float64
	Modulation       string
	LocationCount    int // distinct user locations this beacon was heard at
	PersistenceScore float64
	Following        bool
	Location         *geo.Point
}

// SatelliteAnomalyType enumerates NTN anomaly classes.
type SatelliteAnomalyType string

const (
	SatAnomalyUnexpectedConnection SatelliteAnomalyType = "unexpected_connection"
	SatAnomalyForcedHandoff        SatelliteAnomalyType = "forced_handoff"
	SatAnomalySuspiciousParameters SatelliteAnomalyType = "suspicious_parameters"
	SatAnomalyTimingAnomaly        SatelliteAnomalyType = "timing_anomaly"
	SatAnomalyBandMismatch         SatelliteAnomalyType = "band_mismatch"
	SatAnomalyRapidSwitching       SatelliteAnomalyType = "rapid_switching"
	SatAnomalyDowngrade            SatelliteAnomalyType = "downgrade_to_satellite"
)

// SatelliteContext is one satellite/NTN connection observation.
type SatelliteContext struct {
	Timestamp            time.Time
	Anomaly              SatelliteAnomalyType
	Provider             string
	KnownProvider        bool
	Orbit                string // "LEO", "MEO", "GEO"
	RTT                  time.Duration
	FrequencyMHz         int
	ValidNTNBand         bool
	TerrestrialSignalDBM int
	TerrestrialAvailable bool
	UrbanArea            bool
	HandoffCount         int // handoffs within the rapid-switching window
	Location             *geo.Point
}

// Handler is one protocol analyzer. Handle returns nil when the
// observation is benign; errors are reserved for malformed input and
// never abort the handler itself.
type Handler interface {
	Protocol() Protocol
	Handle(ctx context.Context, observation any) (*Detection, error)
	Configure(config json.RawMessage) error
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Publisher receives finalized detections. Implemented by the bus.
type Publisher interface {
	Publish(d *Detection) error
}

// Deduplicator folds repeat sightings before publication.
type Deduplicator interface {
	// Admit returns the detection to publish, or nil when throttled.
	// When the candidate matches an existing sighting the returned
	// detection is the merged record.
	Admit(d *Detection) *Detection
}

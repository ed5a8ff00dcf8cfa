// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"strings"

	"github.com/counterveil/counterveil/internal/cache"
	"github.com/counterveil/counterveil/internal/threat"
)

// Bluetooth SIG company identifiers seen in manufacturer-specific data.
const (
	manufacturerApple     uint16 = 0x004C
	manufacturerMicrosoft uint16 = 0x0006
	manufacturerSamsung   uint16 = 0x0075
	manufacturerGoogle    uint16 = 0x00E0
	manufacturerTile      uint16 = 0x00ED
	manufacturerAxon      uint16 = 0x053E
)

// Apple manufacturer-data payload type bytes.
const (
	applePayloadAirPods byte = 0x07
	applePayloadAirPlay byte = 0x09
	applePayloadNearby  byte = 0x10
	applePayloadFindMy  byte = 0x12
)

// airTagMinPayloadLen separates full AirTag advertisements from generic
// FindMy network beacons sharing the same payload type.
const airTagMinPayloadLen = 25

// uuidSignature attributes a known service UUID to a device.
type uuidSignature struct {
	Name         string
	Manufacturer string
	DeviceType   threat.DeviceType
	Likelihood   int
	Priority     bool // checked before the generic tables
}

// serviceUUIDSignatures maps normalized 16-bit service UUIDs to known
// devices. Keys are lowercase 4-hex-digit short UUIDs.
var serviceUUIDSignatures = map[string]uuidSignature{
	// Consumer trackers.
	"feed": {Name: "Tile Tracker", Manufacturer: "Tile", DeviceType: threat.DeviceConsumerTracker, Likelihood: 55},
	"feec": {Name: "Tile Tracker", Manufacturer: "Tile", DeviceType: threat.DeviceConsumerTracker, Likelihood: 55},
	"fe50": {Name: "Chipolo Tracker", Manufacturer: "Chipolo", DeviceType: threat.DeviceConsumerTracker, Likelihood: 55},
	"fd5a": {Name: "Samsung SmartTag", Manufacturer: "Samsung", DeviceType: threat.DeviceConsumerTracker, Likelihood: 55},

	// Body-worn and law-enforcement hardware, matched ahead of the
	// generic tables.
	"fdd6": {Name: "Axon Body Camera", Manufacturer: "Axon", DeviceType: threat.DeviceBodyCamera, Likelihood: 85, Priority: true},
	"fd6f": {Name: "Exposure Beacon", Manufacturer: "Unknown", DeviceType: threat.DeviceSmartInfrastructure, Likelihood: 20},
}

// nameSignature attributes a device-name substring match.
type nameSignature struct {
	Name         string
	Manufacturer string
	DeviceType   threat.DeviceType
	Likelihood   int
}

// namePatterns is the substring table fed into the Aho-Corasick matcher.
// Patterns are matched case-insensitively against advertised names.
var namePatterns = []struct {
	Pattern string
	Sig     nameSignature
}{
	{"flipper", nameSignature{Name: "Flipper Zero", Manufacturer: "Flipper Devices", DeviceType: threat.DeviceHackingTool, Likelihood: 80}},
	{"pwnagotchi", nameSignature{Name: "Pwnagotchi", Manufacturer: "DIY", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"pineapple", nameSignature{Name: "WiFi Pineapple", Manufacturer: "Hak5", DeviceType: threat.DeviceWiFiPineapple, Likelihood: 90}},
	{"ubertooth", nameSignature{Name: "Ubertooth", Manufacturer: "Great Scott Gadgets", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"hackrf", nameSignature{Name: "HackRF", Manufacturer: "Great Scott Gadgets", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"proxmark", nameSignature{Name: "Proxmark", Manufacturer: "RfidResearchGroup", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"marauder", nameSignature{Name: "ESP32 Marauder", Manufacturer: "DIY", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"deauther", nameSignature{Name: "WiFi Deauther", Manufacturer: "DIY", DeviceType: threat.DeviceHackingTool, Likelihood: 85}},
	{"o.mg", nameSignature{Name: "O.MG Cable", Manufacturer: "MG", DeviceType: threat.DeviceHackingTool, Likelihood: 90}},
	{"axon", nameSignature{Name: "Axon Device", Manufacturer: "Axon", DeviceType: threat.DeviceBodyCamera, Likelihood: 80}},
	{"spycam", nameSignature{Name: "Hidden Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceHiddenCamera, Likelihood: 75}},
	{"minicam", nameSignature{Name: "Hidden Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceHiddenCamera, Likelihood: 70}},
	{"ipcam", nameSignature{Name: "IP Camera", Manufacturer: "Unknown", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60}},
	{"gps tracker", nameSignature{Name: "GPS Tracker", Manufacturer: "Unknown", DeviceType: threat.DeviceGPSTracker, Likelihood: 75}},
	{"obd tracker", nameSignature{Name: "Vehicle Tracker", Manufacturer: "Unknown", DeviceType: threat.DeviceGPSTracker, Likelihood: 75}},
}

// genericNames are advertised names too common to contribute identity
// when synthesizing a stable BLE identifier.
var genericNames = map[string]bool{
	"":           true,
	"unknown":    true,
	"ble device": true,
	"bluetooth":  true,
	"headphones": true,
	"keyboard":   true,
	"mouse":      true,
	"speaker":    true,
	"n/a":        true,
}

// ouiSignature attributes a MAC address prefix to a manufacturer.
type ouiSignature struct {
	Manufacturer string
	Name         string
	DeviceType   threat.DeviceType
	Likelihood   int
}

// ouiSignatures maps normalized 8-char MAC prefixes ("aa:bb:cc") to
// surveillance-relevant manufacturers.
var ouiSignatures = map[string]ouiSignature{
	"44:19:b6": {Manufacturer: "Hikvision", Name: "Hikvision Camera", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60},
	"28:57:be": {Manufacturer: "Hikvision", Name: "Hikvision Camera", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60},
	"3c:ef:8c": {Manufacturer: "Dahua", Name: "Dahua Camera", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60},
	"9c:14:63": {Manufacturer: "Dahua", Name: "Dahua Camera", DeviceType: threat.DeviceHiddenCamera, Likelihood: 60},
	"9c:8e:cd": {Manufacturer: "Amcrest", Name: "Amcrest Camera", DeviceType: threat.DeviceHiddenCamera, Likelihood: 55},
	"00:25:df": {Manufacturer: "Axon", Name: "Axon Device", DeviceType: threat.DeviceBodyCamera, Likelihood: 80},
	"18:b4:30": {Manufacturer: "Nest Labs", Name: "Nest Camera", DeviceType: threat.DeviceConsumerIoT, Likelihood: 35},
	"0c:47:c9": {Manufacturer: "Amazon", Name: "Ring Device", DeviceType: threat.DeviceConsumerIoT, Likelihood: 35},
	"f0:d2:f1": {Manufacturer: "Amazon", Name: "Ring Device", DeviceType: threat.DeviceConsumerIoT, Likelihood: 35},
}

// buildNameMatcher compiles the name pattern table into an automaton.
func buildNameMatcher() *cache.AhoCorasick {
	ac := cache.NewAhoCorasick()
	for _, p := range namePatterns {
		ac.AddPattern(p.Pattern, p.Sig)
	}
	ac.Build()
	return ac
}

// NormalizeMAC lowercases a MAC address and converts dash separators to
// colons. Returns "" for inputs that cannot hold a MAC.
func NormalizeMAC(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	mac = strings.ReplaceAll(mac, "-", ":")
	if len(mac) != 17 {
		return ""
	}
	return mac
}

// MACOUI returns the normalized manufacturer prefix of a MAC address.
func MACOUI(mac string) string {
	mac = NormalizeMAC(mac)
	if mac == "" {
		return ""
	}
	return mac[:8]
}

// IsLocallyAdministered reports whether the MAC carries the IEEE
// locally-administered bit, which randomized BLE addresses set.
func IsLocallyAdministered(mac string) bool {
	mac = NormalizeMAC(mac)
	if mac == "" {
		return false
	}
	c := mac[1]
	var nibble byte
	switch {
	case c >= '0' && c <= '9':
		nibble = c - '0'
	case c >= 'a' && c <= 'f':
		nibble = c - 'a' + 10
	default:
		return false
	}
	return nibble&0x2 != 0
}

// normalizeUUID reduces a service UUID to its lowercase 16-bit short
// form when it uses the Bluetooth base UUID, else returns it lowercased.
func normalizeUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	// 0000xxxx-0000-1000-8000-00805f9b34fb
	if len(u) == 36 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "-0000-1000-8000-00805f9b34fb") {
		return u[4:8]
	}
	if len(u) == 4 {
		return u
	}
	return u
}

// isGenericName reports whether an advertised name is too common to
// carry identity.
func isGenericName(name string) bool {
	return genericNames[strings.ToLower(strings.TrimSpace(name))]
}

// IsGenericName reports whether an advertised device name is too common
// to contribute to a stable identity.
func IsGenericName(name string) bool {
	return isGenericName(name)
}

// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"fmt"
	"time"

	"github.com/counterveil/counterveil/internal/cache"
	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/geo"
	"github.com/counterveil/counterveil/internal/logging"
	"github.com/counterveil/counterveil/internal/threat"
)

// WiFiAnomalyCorrelator owns the stateful WiFi analyses that need
// history across scan batches: evil-twin detection, deauthentication
// bursts, hidden-camera heuristics, and following-network detection.
type WiFiAnomalyCorrelator struct {
	cfg   config.WiFiConfig
	floor int
	now   func() time.Time

	deauthFrames   *cache.SlidingWindowCounter
	deauthCooldown *cache.LRUCache // single-key cooldown for deauth alerts

	ssidNets  *cache.TimedLogStore // SSID -> observed (bssid, capabilities)
	sightings *cache.TimedLogStore // BSSID -> observed locations
	alerted   *cache.LRUCache      // suppress repeat anomaly alerts per key
}

// apObservation is one (BSSID, capabilities) sighting under an SSID.
type apObservation struct {
	BSSID        string
	Capabilities string
	Channel      int
}

// NewWiFiAnomalyCorrelator constructs the correlator.
func NewWiFiAnomalyCorrelator(det config.DetectionConfig, cfg config.WiFiConfig) *WiFiAnomalyCorrelator {
	return &WiFiAnomalyCorrelator{
		cfg:            cfg,
		floor:          det.RSSIFloor,
		now:            time.Now,
		deauthFrames:   cache.NewSlidingWindowCounter(cfg.DeauthBurstWindow, 10),
		deauthCooldown: cache.NewLRUCache(4, cfg.DeviceRateLimit),
		ssidNets:       cache.NewTimedLogStore(time.Hour, 64, det.MaxTrackedDevices),
		sightings:      cache.NewTimedLogStore(24*time.Hour, 256, det.MaxTrackedDevices),
		alerted:        cache.NewLRUCache(det.MaxTrackedDevices, cfg.DeviceRateLimit),
	}
}

// SetClock injects a time source for tests.
func (c *WiFiAnomalyCorrelator) SetClock(now func() time.Time) {
	c.now = now
	c.deauthFrames.SetClock(now)
	c.deauthCooldown.SetClock(now)
	c.ssidNets.SetClock(now)
	c.sightings.SetClock(now)
	c.alerted.SetClock(now)
}

// Stop flushes all correlation state.
func (c *WiFiAnomalyCorrelator) Stop() {
	c.deauthFrames.Reset()
	c.deauthCooldown.Clear()
	c.ssidNets.Clear()
	c.sightings.Clear()
	c.alerted.Clear()
}

// Observe folds one scan batch into the correlation state and returns
// the highest-priority anomaly detection, if any. Deauth bursts win over
// evil twins, which win over hidden-camera and following heuristics.
func (c *WiFiAnomalyCorrelator) Observe(wc *WiFiContext) *Detection {
	c.record(wc)

	if d := c.checkDeauthBurst(wc); d != nil {
		return d
	}
	if d := c.checkEvilTwin(wc); d != nil {
		return d
	}
	if d := c.checkHiddenCamera(wc); d != nil {
		return d
	}
	return c.checkFollowingNetwork(wc)
}

func (c *WiFiAnomalyCorrelator) record(wc *WiFiContext) {
	if wc.DeauthCount > 0 {
		c.deauthFrames.Increment(int64(wc.DeauthCount))
	}
	for i := range wc.Networks {
		n := &wc.Networks[i]
		bssid := NormalizeMAC(n.BSSID)
		if bssid == "" {
			continue
		}
		if n.SSID != "" {
			c.ssidNets.Get(n.SSID).Append(wc.Timestamp, apObservation{
				BSSID:        bssid,
				Capabilities: n.Capabilities,
			})
		}
		if wc.Location != nil && wc.Location.Valid() {
			c.sightings.Get(bssid).Append(wc.Timestamp, *wc.Location)
		}
	}
}

// checkDeauthBurst flags a deauthentication flood: the signature move of
// forced-reconnection credential attacks.
func (c *WiFiAnomalyCorrelator) checkDeauthBurst(wc *WiFiContext) *Detection {
	if c.deauthFrames.Count() < int64(c.cfg.DeauthBurstCount) {
		return nil
	}
	if _, cooling := c.deauthCooldown.Get("deauth"); cooling {
		return nil
	}
	c.deauthCooldown.Add("deauth", c.now())

	res := threat.Score(threat.Input{
		BaseLikelihood:        85,
		DeviceType:            threat.DeviceHackingTool,
		SignalMetric:          batchStrongestRSSI(wc),
		SeenCount:             1,
		HasMultipleIndicators: true,
	})
	logging.Warn().Int64("frames", c.deauthFrames.Count()).Msg("deauthentication burst detected")
	return c.newDetection(wc, MethodDeauthBurst, threat.DeviceHackingTool,
		"Deauthentication Attack", "", "", res,
		fmt.Sprintf("%d deauth frames within %s", c.deauthFrames.Count(), c.cfg.DeauthBurstWindow))
}

// checkEvilTwin looks for one SSID advertised by multiple BSSIDs with
// mismatched security capabilities. Mesh networks reuse an SSID across
// BSSIDs, but they advertise identical capabilities; a capability
// mismatch means one of the APs is an imposter.
func (c *WiFiAnomalyCorrelator) checkEvilTwin(wc *WiFiContext) *Detection {
	for i := range wc.Networks {
		n := &wc.Networks[i]
		if n.SSID == "" || n.RSSI < c.floor {
			continue
		}
		key := "twin:" + n.SSID
		if _, done := c.alerted.Get(key); done {
			continue
		}

		log, ok := c.ssidNets.Peek(n.SSID)
		if !ok {
			continue
		}
		seen := map[string]string{} // bssid -> capabilities
		for _, e := range log.Entries() {
			obs, ok := e.Data.(apObservation)
			if !ok {
				continue
			}
			seen[obs.BSSID] = obs.Capabilities
		}
		if len(seen) < 2 {
			continue
		}
		mismatch := false
		var first string
		started := false
		for _, caps := range seen {
			if !started {
				first = caps
				started = true
				continue
			}
			if caps != first {
				mismatch = true
				break
			}
		}
		if !mismatch {
			continue
		}

		c.alerted.Add(key, c.now())
		res := threat.Score(threat.Input{
			BaseLikelihood:        80,
			DeviceType:            threat.DeviceWiFiPineapple,
			SignalMetric:          n.RSSI,
			SeenCount:             len(seen),
			HasMultipleIndicators: true,
		})
		return c.newDetection(wc, MethodEvilTwin, threat.DeviceWiFiPineapple,
			"Evil Twin Access Point", n.BSSID, n.SSID, res,
			fmt.Sprintf("SSID %q served by %d BSSIDs with mismatched security", n.SSID, len(seen)))
	}
	return nil
}

// checkHiddenCamera combines the hidden-SSID flag with a camera-class
// OUI: cameras that hide their network are the interesting ones.
func (c *WiFiAnomalyCorrelator) checkHiddenCamera(wc *WiFiContext) *Detection {
	for i := range wc.Networks {
		n := &wc.Networks[i]
		if !n.Hidden || n.RSSI < c.floor {
			continue
		}
		sig, ok := ouiSignatures[MACOUI(n.BSSID)]
		if !ok || sig.DeviceType != threat.DeviceHiddenCamera {
			continue
		}
		key := "cam:" + NormalizeMAC(n.BSSID)
		if _, done := c.alerted.Get(key); done {
			continue
		}
		c.alerted.Add(key, c.now())

		res := threat.Score(threat.Input{
			BaseLikelihood:        sig.Likelihood + 15,
			DeviceType:            threat.DeviceHiddenCamera,
			SignalMetric:          n.RSSI,
			SeenCount:             1,
			HasMultipleIndicators: true,
		})
		return c.newDetection(wc, MethodHiddenCamera, threat.DeviceHiddenCamera,
			sig.Name, n.BSSID, "", res,
			fmt.Sprintf("hidden SSID with %s OUI", sig.Manufacturer))
	}
	return nil
}

// checkFollowingNetwork flags a BSSID sighted at several distinct user
// locations: a network that moves with the user. Hotspot-looking SSIDs
// need one fewer sighting.
func (c *WiFiAnomalyCorrelator) checkFollowingNetwork(wc *WiFiContext) *Detection {
	if wc.Location == nil || !wc.Location.Valid() {
		return nil
	}
	for i := range wc.Networks {
		n := &wc.Networks[i]
		bssid := NormalizeMAC(n.BSSID)
		if bssid == "" || n.RSSI < c.floor {
			continue
		}
		key := "follow:" + bssid
		if _, done := c.alerted.Get(key); done {
			continue
		}
		log, ok := c.sightings.Peek(bssid)
		if !ok {
			continue
		}

		required := c.cfg.FollowingMinSights
		if isHotspotLike(n.SSID) && required > 2 {
			required--
		}

		var distinct []geo.Point
		for _, e := range log.Entries() {
			p, ok := e.Data.(geo.Point)
			if !ok {
				continue
			}
			isNew := true
			for _, d := range distinct {
				if geo.DistanceMeters(d, p) <= c.cfg.FollowingMinDistance {
					isNew = false
					break
				}
			}
			if isNew {
				distinct = append(distinct, p)
			}
		}
		if len(distinct) < required {
			continue
		}

		c.alerted.Add(key, c.now())
		res := threat.Score(threat.Input{
			BaseLikelihood:        75,
			DeviceType:            threat.DeviceGPSTracker,
			SignalMetric:          n.RSSI,
			SeenCount:             log.Len(),
			HasMultipleIndicators: true,
		})
		return c.newDetection(wc, MethodFollowingNetwork, threat.DeviceGPSTracker,
			"Following Network", n.BSSID, n.SSID, res,
			fmt.Sprintf("BSSID sighted at %d distinct locations", len(distinct)))
	}
	return nil
}

func (c *WiFiAnomalyCorrelator) newDetection(wc *WiFiContext, method Method, dt threat.DeviceType, name, bssid, ssid string, res threat.CalculationResult, matched string) *Detection {
	return &Detection{
		ID:              newDetectionID(),
		Protocol:        ProtocolWiFi,
		Method:          method,
		DeviceType:      dt,
		Name:            name,
		MAC:             NormalizeMAC(bssid),
		SSID:            ssid,
		RSSI:            batchStrongestRSSI(wc),
		SignalBucket:    threat.BucketRSSI(batchStrongestRSSI(wc)),
		Location:        wc.Location,
		Level:           res.Severity,
		Score:           res.Score,
		MatchedPatterns: matched,
		Active:          true,
		SeenCount:       1,
		LastSeen:        wc.Timestamp,
	}
}

// batchStrongestRSSI returns the strongest reading in the batch, or the
// floor-adjacent sentinel when the batch is empty.
func batchStrongestRSSI(wc *WiFiContext) int {
	best := -100
	for i := range wc.Networks {
		if wc.Networks[i].RSSI > best {
			best = wc.Networks[i].RSSI
		}
	}
	return best
}

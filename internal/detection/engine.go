// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/counterveil/counterveil/internal/logging"
	"github.com/counterveil/counterveil/internal/metrics"
)

// Engine routes scan observations to their protocol handler, folds the
// result through the deduplicator, and publishes surviving detections.
// Handlers are invoked concurrently by independent scan producers; the
// engine itself holds no per-device state.
type Engine struct {
	handlers map[Protocol]Handler
	learned  Handler
	dedup    Deduplicator
	bus      Publisher

	mu           sync.RWMutex
	enabled      bool
	limiter      *rate.Limiter
	metricsStore *EngineMetrics
}

// EngineMetrics tracks engine-level counters for the status endpoint.
type EngineMetrics struct {
	EventsProcessed     int64
	DetectionsEmitted   int64
	DetectionsMerged    int64
	DetectionsThrottled int64
	ProcessingErrors    int64
	LastProcessedAt     time.Time
	HandlerMetrics      map[Protocol]*HandlerMetrics
	mu                  sync.RWMutex
}

// HandlerMetrics tracks per-handler activity.
type HandlerMetrics struct {
	EventsChecked   int64
	Detections      int64
	Errors          int64
	LastTriggeredAt *time.Time
}

// NewEngine creates a detection engine. The deduplicator and bus may be
// nil in tests; a nil deduplicator publishes every candidate.
func NewEngine(dedup Deduplicator, bus Publisher) *Engine {
	return &Engine{
		handlers: make(map[Protocol]Handler),
		dedup:    dedup,
		bus:      bus,
		enabled:  true,
		metricsStore: &EngineMetrics{
			HandlerMetrics: make(map[Protocol]*HandlerMetrics),
		},
	}
}

// RegisterHandler adds a protocol handler to the engine.
func (e *Engine) RegisterHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := h.Protocol()
	e.handlers[p] = h
	e.metricsStore.mu.Lock()
	e.metricsStore.HandlerMetrics[p] = &HandlerMetrics{}
	e.metricsStore.mu.Unlock()

	logging.Info().Str("handler", string(p)).Msg("registered handler")
}

// SetLearnedHandler installs the learned-signature matcher. It is
// consulted on BLE and WiFi observations the primary handler considered
// benign; a user-flagged device alerts even when no built-in pattern
// fires.
func (e *Engine) SetLearnedHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learned = h
	e.metricsStore.mu.Lock()
	e.metricsStore.HandlerMetrics[ProtocolLearned] = &HandlerMetrics{}
	e.metricsStore.mu.Unlock()
}

// Process evaluates one scan observation. The observation's concrete
// type selects the handler. Returns the published detection, or nil
// when the observation was benign, throttled, or its handler disabled.
func (e *Engine) Process(ctx context.Context, observation any) (*Detection, error) {
	protocol, err := protocolOf(observation)
	if err != nil {
		return nil, err
	}

	if !e.allowEvent() {
		metrics.RecordSkip(string(protocol), "rate_limited")
		return nil, nil
	}

	handler := e.getHandler(protocol)
	if handler == nil {
		metrics.RecordSkip(string(protocol), "disabled")
		return nil, nil
	}

	start := time.Now()
	candidate, err := handler.Handle(ctx, observation)
	metrics.RecordEvaluation(string(protocol), time.Since(start))
	e.recordEvaluation(protocol, candidate, err)

	if err != nil {
		// Malformed input skips the single event, never the handler.
		logging.Warn().Err(err).Str("protocol", string(protocol)).Msg("skipping malformed observation")
		metrics.RecordSkip(string(protocol), "malformed")
		return nil, nil
	}
	if candidate == nil && (protocol == ProtocolBLE || protocol == ProtocolWiFi) {
		candidate = e.consultLearned(ctx, observation)
	}
	if candidate == nil {
		metrics.RecordSkip(string(protocol), "no_match")
		return nil, nil
	}

	final := candidate
	if e.dedup != nil {
		final = e.dedup.Admit(candidate)
		if final == nil {
			e.metricsStore.mu.Lock()
			e.metricsStore.DetectionsThrottled++
			e.metricsStore.mu.Unlock()
			metrics.DedupThrottled.Inc()
			return nil, nil
		}
		if final != candidate {
			e.metricsStore.mu.Lock()
			e.metricsStore.DetectionsMerged++
			e.metricsStore.mu.Unlock()
		}
	}

	if e.bus != nil {
		if err := e.bus.Publish(final); err != nil {
			logging.Error().Err(err).Msg("failed to publish detection")
			e.metricsStore.mu.Lock()
			e.metricsStore.ProcessingErrors++
			e.metricsStore.mu.Unlock()
			return final, err
		}
	}

	e.metricsStore.mu.Lock()
	e.metricsStore.DetectionsEmitted++
	e.metricsStore.mu.Unlock()
	metrics.RecordDetection(string(protocol), string(final.Level))

	logging.Info().
		Str("protocol", string(protocol)).
		Str("method", string(final.Method)).
		Str("level", string(final.Level)).
		Int("score", final.Score).
		Str("device", final.Name).
		Msg("detection emitted")

	return final, nil
}

// consultLearned runs the learned-signature matcher, if installed.
func (e *Engine) consultLearned(ctx context.Context, observation any) *Detection {
	e.mu.RLock()
	learned := e.learned
	e.mu.RUnlock()
	if learned == nil || !learned.Enabled() {
		return nil
	}

	d, err := learned.Handle(ctx, observation)
	if err != nil {
		logging.Warn().Err(err).Msg("learned signature match failed")
		return nil
	}
	if d != nil {
		e.metricsStore.mu.Lock()
		if hm, ok := e.metricsStore.HandlerMetrics[ProtocolLearned]; ok {
			hm.EventsChecked++
			hm.Detections++
			now := time.Now()
			hm.LastTriggeredAt = &now
		}
		e.metricsStore.mu.Unlock()
		metrics.SignatureMatches.Inc()
	}
	return d
}

// protocolOf maps an observation's concrete type to its protocol.
func protocolOf(observation any) (Protocol, error) {
	switch observation.(type) {
	case *BLEContext:
		return ProtocolBLE, nil
	case *WiFiContext:
		return ProtocolWiFi, nil
	case *CellularContext:
		return ProtocolCellular, nil
	case *GNSSContext:
		return ProtocolGNSS, nil
	case *UltrasonicContext:
		return ProtocolUltrasonic, nil
	case *SatelliteContext:
		return ProtocolSatellite, nil
	default:
		return "", fmt.Errorf("unsupported observation type %T", observation)
	}
}

func (e *Engine) getHandler(p Protocol) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.enabled {
		return nil
	}
	h, ok := e.handlers[p]
	if !ok || !h.Enabled() {
		return nil
	}
	return h
}

func (e *Engine) recordEvaluation(p Protocol, d *Detection, err error) {
	e.metricsStore.mu.Lock()
	defer e.metricsStore.mu.Unlock()

	e.metricsStore.EventsProcessed++
	e.metricsStore.LastProcessedAt = time.Now()

	hm, ok := e.metricsStore.HandlerMetrics[p]
	if !ok {
		return
	}
	hm.EventsChecked++
	if err != nil {
		hm.Errors++
		e.metricsStore.ProcessingErrors++
	}
	if d != nil {
		hm.Detections++
		now := time.Now()
		hm.LastTriggeredAt = &now
	}
}

// SetRateLimit caps the observation rate across all producers. Events
// above the cap are shed before their handler runs. A non-positive
// eventsPerSecond removes the cap.
func (e *Engine) SetRateLimit(eventsPerSecond float64, burst int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if eventsPerSecond <= 0 {
		e.limiter = nil
		return
	}
	if burst < 1 {
		burst = int(eventsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	e.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
}

func (e *Engine) allowEvent() bool {
	e.mu.RLock()
	limiter := e.limiter
	e.mu.RUnlock()
	return limiter == nil || limiter.Allow()
}

// SetEnabled enables or disables the whole engine.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = enabled
}

// Enabled reports whether the engine is processing observations.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// GetHandler returns a handler by protocol.
func (e *Engine) GetHandler(p Protocol) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[p]
	return h, ok
}

// ListHandlers returns all registered handlers.
func (e *Engine) ListHandlers() []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	handlers := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// ConfigureHandler updates a handler's configuration.
func (e *Engine) ConfigureHandler(p Protocol, config json.RawMessage) error {
	e.mu.RLock()
	h, ok := e.handlers[p]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("handler not found: %s", p)
	}
	return h.Configure(config)
}

// SetHandlerEnabled toggles a single protocol handler.
func (e *Engine) SetHandlerEnabled(p Protocol, enabled bool) error {
	e.mu.RLock()
	h, ok := e.handlers[p]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("handler not found: %s", p)
	}
	h.SetEnabled(enabled)
	return nil
}

// Metrics returns a copy of the engine metrics.
func (e *Engine) Metrics() EngineMetrics {
	e.metricsStore.mu.RLock()
	defer e.metricsStore.mu.RUnlock()

	handlerMetrics := make(map[Protocol]*HandlerMetrics, len(e.metricsStore.HandlerMetrics))
	for k, v := range e.metricsStore.HandlerMetrics {
		hm := *v
		handlerMetrics[k] = &hm
	}

	return EngineMetrics{
		EventsProcessed:     e.metricsStore.EventsProcessed,
		DetectionsEmitted:   e.metricsStore.DetectionsEmitted,
		DetectionsMerged:    e.metricsStore.DetectionsMerged,
		DetectionsThrottled: e.metricsStore.DetectionsThrottled,
		ProcessingErrors:    e.metricsStore.ProcessingErrors,
		LastProcessedAt:     e.metricsStore.LastProcessedAt,
		HandlerMetrics:      handlerMetrics,
	}
}

// Stop disables the engine and flushes every handler's per-device
// histories synchronously so no state leaks across restarts.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.enabled = false
	handlers := make([]Handler, 0, len(e.handlers)+1)
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	if e.learned != nil {
		handlers = append(handlers, e.learned)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h.Stop()
	}
	logging.Info().Msg("detection engine stopped")
}

// RunWithContext blocks until the context is canceled, then stops the
// engine. Designed for suture supervision.
func (e *Engine) RunWithContext(ctx context.Context) error {
	logging.Info().Msg("detection engine started")
	<-ctx.Done()
	e.Stop()
	return ctx.Err()
}

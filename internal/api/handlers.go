// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/counterveil/counterveil/internal/bus"
	"github.com/counterveil/counterveil/internal/detection"
	"github.com/counterveil/counterveil/internal/signatures"
)

// maxBodyBytes caps request bodies on write endpoints.
const maxBodyBytes = 64 << 10

// Handler bundles the engine, bus, and signature store behind the HTTP
// endpoints.
type Handler struct {
	engine  *detection.Engine
	bus     *bus.Bus
	store   signatures.Store
	started time.Time
}

// NewHandler creates the API handler set.
func NewHandler(engine *detection.Engine, b *bus.Bus, store signatures.Store) *Handler {
	return &Handler{
		engine:  engine,
		bus:     b,
		store:   store,
		started: time.Now(),
	}
}

// Health reports liveness plus basic engine state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(map[string]interface{}{
		"status":         "ok",
		"engine_enabled": h.engine.Enabled(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Detections returns recent detections from the replay buffer, newest
// first. Supports ?limit= and ?protocol= filters.
func (h *Handler) Detections(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			rw.BadRequest("limit must be a positive integer")
			return
		}
		limit = n
	}
	protocol := detection.Protocol(r.URL.Query().Get("protocol"))

	replay := h.bus.Replay()
	out := make([]*detection.Detection, 0, len(replay))
	// Replay is oldest first; walk backwards so the newest lead.
	for i := len(replay) - 1; i >= 0; i-- {
		d := replay[i]
		if protocol != "" && d.Protocol != protocol {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	rw.SuccessWithCount(out, len(out))
}

// handlerStatus is the per-handler slice of the engine status payload.
type handlerStatus struct {
	Protocol        string     `json:"protocol"`
	Enabled         bool       `json:"enabled"`
	EventsChecked   int64      `json:"events_checked"`
	Detections      int64      `json:"detections"`
	Errors          int64      `json:"errors"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// engineStatus is the engine status payload.
type engineStatus struct {
	Enabled             bool            `json:"enabled"`
	EventsProcessed     int64           `json:"events_processed"`
	DetectionsEmitted   int64           `json:"detections_emitted"`
	DetectionsMerged    int64           `json:"detections_merged"`
	DetectionsThrottled int64           `json:"detections_throttled"`
	ProcessingErrors    int64           `json:"processing_errors"`
	LastProcessedAt     time.Time       `json:"last_processed_at"`
	Handlers            []handlerStatus `json:"handlers"`
}

// EngineStatus returns engine-level and per-handler counters.
func (h *Handler) EngineStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	m := h.engine.Metrics()
	status := engineStatus{
		Enabled:             h.engine.Enabled(),
		EventsProcessed:     m.EventsProcessed,
		DetectionsEmitted:   m.DetectionsEmitted,
		DetectionsMerged:    m.DetectionsMerged,
		DetectionsThrottled: m.DetectionsThrottled,
		ProcessingErrors:    m.ProcessingErrors,
		LastProcessedAt:     m.LastProcessedAt,
	}

	for p, hm := range m.HandlerMetrics {
		enabled := false
		if p == detection.ProtocolLearned {
			enabled = true
		} else if handler, ok := h.engine.GetHandler(p); ok {
			enabled = handler.Enabled()
		}
		status.Handlers = append(status.Handlers, handlerStatus{
			Protocol:        string(p),
			Enabled:         enabled,
			EventsChecked:   hm.EventsChecked,
			Detections:      hm.Detections,
			Errors:          hm.Errors,
			LastTriggeredAt: hm.LastTriggeredAt,
		})
	}
	sortHandlerStatus(status.Handlers)

	rw.Success(status)
}

func sortHandlerStatus(hs []handlerStatus) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j].Protocol < hs[j-1].Protocol; j-- {
			hs[j], hs[j-1] = hs[j-1], hs[j]
		}
	}
}

// setEnabledRequest toggles the engine or one handler.
type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEngineEnabled enables or disables the whole engine.
func (h *Handler) SetEngineEnabled(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req setEnabledRequest
	if err := decodeBody(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	h.engine.SetEnabled(req.Enabled)
	rw.Success(map[string]bool{"enabled": req.Enabled})
}

// SetHandlerEnabled enables or disables a single protocol handler.
func (h *Handler) SetHandlerEnabled(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	protocol := detection.Protocol(chi.URLParam(r, "protocol"))

	var req setEnabledRequest
	if err := decodeBody(r, &req); err != nil {
		rw.BadRequest(err.Error())
		return
	}

	if err := h.engine.SetHandlerEnabled(protocol, req.Enabled); err != nil {
		rw.NotFound(err.Error())
		return
	}
	rw.Success(map[string]interface{}{"protocol": string(protocol), "enabled": req.Enabled})
}

// ConfigureHandler applies a JSON configuration patch to one handler.
func (h *Handler) ConfigureHandler(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	protocol := detection.Protocol(chi.URLParam(r, "protocol"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rw.BadRequest("failed to read request body")
		return
	}
	if !json.Valid(body) {
		rw.BadRequest("request body must be valid JSON")
		return
	}

	if _, ok := h.engine.GetHandler(protocol); !ok {
		rw.NotFound("handler not found: " + string(protocol))
		return
	}
	if err := h.engine.ConfigureHandler(protocol, body); err != nil {
		rw.ValidationError("handler rejected configuration", err.Error())
		return
	}
	rw.Success(map[string]string{"protocol": string(protocol)})
}

// SignatureList returns all learned signatures, oldest first.
func (h *Handler) SignatureList(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sigs := h.store.List()
	rw.SuccessWithCount(sigs, len(sigs))
}

// SignatureCreate stores a new learned signature.
func (h *Handler) SignatureCreate(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var sig signatures.Signature
	if err := decodeBody(r, &sig); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if err := sig.Normalize(); err != nil {
		rw.ValidationError("invalid signature", err.Error())
		return
	}
	if err := h.store.Add(sig); err != nil {
		rw.InternalError("failed to store signature")
		return
	}
	rw.Created(sig)
}

// SignatureGet returns one signature by ID.
func (h *Handler) SignatureGet(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	id := chi.URLParam(r, "id")
	sig, ok := h.store.Get(id)
	if !ok {
		rw.NotFound("signature not found: " + id)
		return
	}
	rw.Success(sig)
}

// SignatureDelete removes one signature by ID.
func (h *Handler) SignatureDelete(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	id := chi.URLParam(r, "id")
	if _, ok := h.store.Get(id); !ok {
		rw.NotFound("signature not found: " + id)
		return
	}
	if err := h.store.Remove(id); err != nil {
		rw.InternalError("failed to remove signature")
		return
	}
	rw.NoContent()
}

// decodeBody unmarshals a bounded JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

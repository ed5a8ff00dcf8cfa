// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package bus broadcasts finalized detections to UI, storage, and
// notification consumers. Delivery is best-effort: a bounded replay
// buffer lets late subscribers catch up on recent history, and old
// events fall off once it overflows.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/detection"
	"github.com/counterveil/counterveil/internal/logging"
	"github.com/counterveil/counterveil/internal/metrics"
)

const detectionsTopic = "detections"

// Bus is the multi-producer, multi-consumer detection broadcast.
type Bus struct {
	cfg    config.BusConfig
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	replay []*detection.Detection
	closed bool
}

// New constructs the detection bus.
func New(cfg config.BusConfig) *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(cfg.SubscriberBuffer)},
		watermillLogger{},
	)
	return &Bus{
		cfg:    cfg,
		pubsub: pubsub,
		replay: make([]*detection.Detection, 0, cfg.ReplayCapacity),
	}
}

// Publish broadcasts one finalized detection and records it in the
// replay buffer.
func (b *Bus) Publish(d *detection.Detection) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	b.replay = append(b.replay, d)
	if len(b.replay) > b.cfg.ReplayCapacity {
		b.replay = b.replay[len(b.replay)-b.cfg.ReplayCapacity:]
	}
	b.mu.Unlock()

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}
	msg := message.NewMessage(d.ID, payload)
	if err := b.pubsub.Publish(detectionsTopic, msg); err != nil {
		return fmt.Errorf("publish detection: %w", err)
	}
	return nil
}

// Subscribe delivers detections published after the subscription.
// Recent history is available separately through Replay. The channel
// closes when the context is canceled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *detection.Detection, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.mu.RUnlock()

	msgs, err := b.pubsub.Subscribe(ctx, detectionsTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan *detection.Detection, b.cfg.SubscriberBuffer)
	metrics.BusSubscribers.Inc()
	go func() {
		defer close(out)
		defer metrics.BusSubscribers.Dec()
		for msg := range msgs {
			var d detection.Detection
			if err := json.Unmarshal(msg.Payload, &d); err != nil {
				logging.Warn().Err(err).Str("msg", msg.UUID).Msg("dropping undecodable detection")
				metrics.BusDropped.Inc()
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- &d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Replay returns a copy of the buffered recent detections, oldest
// first.
func (b *Bus) Replay() []*detection.Detection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*detection.Detection, len(b.replay))
	copy(out, b.replay)
	return out
}

// Close shuts the broadcast down; subscriber channels drain and close.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubsub.Close()
}

// watermillLogger routes watermill's internal logging through zerolog.
type watermillLogger struct {
	fields watermill.LogFields
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(map[string]any(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]any(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]any(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) Trace(string, watermill.LogFields) {}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{fields: l.fields.Add(fields)}
}

// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/detection"
	"github.com/counterveil/counterveil/internal/threat"
)

func makeDetection(id string) *detection.Detection {
	return &detection.Detection{
		ID:       id,
		Protocol: detection.ProtocolBLE,
		Method:   detection.MethodServiceUUID,
		Name:     "AirTag",
		Level:    threat.LevelMedium,
		Score:    55,
	}
}

func TestBusDeliversToSubscriber(t *testing.T) {
	b := New(config.Default().Bus)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(makeDetection("d1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-ch:
		if d.ID != "d1" {
			t.Errorf("received ID = %s, want d1", d.ID)
		}
		if d.Level != threat.LevelMedium {
			t.Errorf("received Level = %s, want %s", d.Level, threat.LevelMedium)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for detection")
	}
}

func TestBusFanOut(t *testing.T) {
	b := New(config.Default().Bus)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(makeDetection("d1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, ch := range []<-chan *detection.Detection{first, second} {
		select {
		case d := <-ch:
			if d.ID != "d1" {
				t.Errorf("subscriber %d received %s, want d1", i, d.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBusReplayBufferBounded(t *testing.T) {
	cfg := config.Default().Bus
	cfg.ReplayCapacity = 3
	b := New(cfg)
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := b.Publish(makeDetection(fmt.Sprintf("d%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	replay := b.Replay()
	if len(replay) != 3 {
		t.Fatalf("replay length = %d, want 3", len(replay))
	}
	// Oldest events fell off; the newest three remain in order.
	for i, want := range []string{"d2", "d3", "d4"} {
		if replay[i].ID != want {
			t.Errorf("replay[%d] = %s, want %s", i, replay[i].ID, want)
		}
	}
}

func TestBusClosedRejectsPublish(t *testing.T) {
	b := New(config.Default().Bus)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Publish(makeDetection("d1")); err == nil {
		t.Fatal("expected error publishing to a closed bus")
	}
	if _, err := b.Subscribe(context.Background()); err == nil {
		t.Fatal("expected error subscribing to a closed bus")
	}
}

func TestBusSubscriberChannelClosesOnCancel(t *testing.T) {
	b := New(config.Default().Bus)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	select {
	case _, open := <-ch:
		if open {
			// A detection may have been in flight; the channel must
			// still close shortly after.
			select {
			case _, open := <-ch:
				if open {
					t.Fatal("channel still open after cancel")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("channel did not close after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

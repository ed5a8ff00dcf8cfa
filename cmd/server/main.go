// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Command server runs the Counterveil detection engine and its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/counterveil/counterveil/internal/api"
	"github.com/counterveil/counterveil/internal/bus"
	"github.com/counterveil/counterveil/internal/config"
	"github.com/counterveil/counterveil/internal/dedup"
	"github.com/counterveil/counterveil/internal/detection"
	"github.com/counterveil/counterveil/internal/logging"
	"github.com/counterveil/counterveil/internal/signatures"
	"github.com/counterveil/counterveil/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.Warn().Err(err).Msg("failed to load configuration, using defaults")
		cfg = config.Default()
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openSignatureStore(cfg.Signatures)
	if err != nil {
		return fmt.Errorf("failed to open signature store: %w", err)
	}
	defer closeStore()

	detectionBus := bus.New(cfg.Bus)
	defer detectionBus.Close()

	deduplicator := dedup.New(cfg.Dedup)

	engine := detection.NewEngine(deduplicator, detectionBus)
	engine.SetRateLimit(cfg.Detection.MaxEventsPerSecond, 0)
	registerHandlers(engine, cfg, store)

	handler := api.NewHandler(engine, detectionBus, store)
	server := api.NewServer(cfg.Server, api.NewRouter(cfg.Server, handler).Setup())

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDetectionService(supervisor.RunFunc{Name: "detection-engine", Run: engine.RunWithContext})
	tree.AddDetectionService(supervisor.RunFunc{Name: "dedup-sweeper", Run: deduplicator.RunWithContext})
	tree.AddAPIService(server)

	logging.Info().
		Str("addr", server.Addr()).
		Str("signature_store", cfg.Signatures.Store).
		Msg("counterveil starting")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Msg("counterveil stopped")
	return nil
}

// registerHandlers wires every enabled protocol analyzer into the engine.
func registerHandlers(engine *detection.Engine, cfg *config.Config, store signatures.Store) {
	if cfg.BLE.Enabled {
		engine.RegisterHandler(detection.NewBLEHandler(cfg.Detection, cfg.BLE))
	}
	if cfg.WiFi.Enabled {
		engine.RegisterHandler(detection.NewWiFiHandler(cfg.Detection, cfg.WiFi))
	}
	if cfg.Cellular.Enabled {
		engine.RegisterHandler(detection.NewCellularHandler(cfg.Cellular))
	}
	if cfg.GNSS.Enabled {
		engine.RegisterHandler(detection.NewGNSSHandler(cfg.GNSS))
	}
	if cfg.Ultrasonic.Enabled {
		engine.RegisterHandler(detection.NewUltrasonicHandler(cfg.Ultrasonic))
	}
	if cfg.Satellite.Enabled {
		engine.RegisterHandler(detection.NewSatelliteHandler(cfg.Satellite))
	}
	if cfg.Signatures.Enabled {
		engine.SetLearnedHandler(detection.NewLearnedHandler(cfg.Signatures, store))
	}
}

// openSignatureStore opens the configured learned-signature store. The
// returned close function is safe to call once.
func openSignatureStore(cfg config.SignaturesConfig) (signatures.Store, func(), error) {
	switch cfg.Store {
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create signature store dir: %w", err)
		}
		opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, err
		}
		store, err := signatures.NewBadgerStore(db, cfg.Capacity)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("failed to close signature store")
			}
		}, nil
	default:
		store := signatures.NewMemoryStore(cfg.Capacity)
		return store, func() { _ = store.Close() }, nil
	}
}

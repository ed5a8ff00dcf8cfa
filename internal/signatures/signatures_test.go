// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package signatures

import (
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func TestSignatureNormalize(t *testing.T) {
	sig := Signature{
		Protocol:     "ble",
		MACPrefix:    "DC-0C-2D",
		ServiceUUIDs: []string{"FEED", "FE50"},
	}
	if err := sig.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if sig.ID == "" {
		t.Error("expected generated ID")
	}
	if sig.MACPrefix != "dc:0c:2d" {
		t.Errorf("MACPrefix = %q, want dc:0c:2d", sig.MACPrefix)
	}
	if sig.ServiceUUIDs[0] != "fe50" || sig.ServiceUUIDs[1] != "feed" {
		t.Errorf("ServiceUUIDs = %v, want sorted lowercase", sig.ServiceUUIDs)
	}
}

func TestSignatureNormalizeRejectsEmpty(t *testing.T) {
	sig := Signature{Protocol: "ble"}
	if err := sig.Normalize(); err == nil {
		t.Fatal("expected error for signature with no match fields")
	}
	sig = Signature{MACPrefix: "DC:0C:2D"}
	if err := sig.Normalize(); err == nil {
		t.Fatal("expected error for signature without protocol")
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store := NewMemoryStore(3)
	for i := 0; i < 4; i++ {
		sig := Signature{
			ID:        fmt.Sprintf("sig-%d", i),
			Protocol:  "ble",
			MACPrefix: fmt.Sprintf("AA:BB:%02X", i),
			CreatedAt: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		}
		if err := store.Add(sig); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if store.Len() != 3 {
		t.Fatalf("Len = %d, want 3", store.Len())
	}
	if _, ok := store.Get("sig-0"); ok {
		t.Error("oldest signature should have been evicted")
	}
	if _, ok := store.Get("sig-3"); !ok {
		t.Error("newest signature should be present")
	}

	list := store.List()
	if len(list) != 3 || list[0].ID != "sig-1" {
		t.Errorf("List order = %v, want oldest-first starting at sig-1", list)
	}
}

func TestMemoryStoreReplaceKeepsCount(t *testing.T) {
	store := NewMemoryStore(4)
	sig := Signature{ID: "sig-a", Protocol: "wifi", SSID: "suspect-net"}
	if err := store.Add(sig); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig.Note = "seen twice"
	if err := store.Add(sig); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d after replace, want 1", store.Len())
	}
	got, _ := store.Get("sig-a")
	if got.Note != "seen twice" {
		t.Errorf("Note = %q, want updated value", got.Note)
	}
}

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	db := openTestBadger(t)

	store, err := NewBadgerStore(db, 16)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	sig := Signature{ID: "sig-b", Protocol: "ble", MACPrefix: "DC:0C:2D", Name: "neighbor's tracker"}
	if err := store.Add(sig); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A fresh store over the same DB sees the persisted signature.
	reopened, err := NewBadgerStore(db, 16)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("sig-b")
	if !ok {
		t.Fatal("persisted signature not found after reload")
	}
	if got.Name != "neighbor's tracker" {
		t.Errorf("Name = %q, want original", got.Name)
	}

	if err := reopened.Remove("sig-b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := reopened.Get("sig-b"); ok {
		t.Error("removed signature still present")
	}
}

func TestBadgerStoreCapacityEviction(t *testing.T) {
	db := openTestBadger(t)

	store, err := NewBadgerStore(db, 2)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		sig := Signature{
			ID:        fmt.Sprintf("sig-%d", i),
			Protocol:  "ble",
			MACPrefix: fmt.Sprintf("AA:BB:%02X", i),
			CreatedAt: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		}
		if err := store.Add(sig); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2", store.Len())
	}
	if _, ok := store.Get("sig-0"); ok {
		t.Error("oldest signature should have been evicted")
	}
}

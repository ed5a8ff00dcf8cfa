// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package signatures

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const signatureKeyPrefix = "signature:"

// BadgerStore persists signatures across restarts. Reads are served from
// an in-memory mirror loaded at open; writes go through BadgerDB first.
type BadgerStore struct {
	db       *badger.DB
	capacity int

	mu   sync.RWMutex
	byID map[string]Signature
}

// NewBadgerStore wraps an open BadgerDB handle and loads all stored
// signatures. The caller owns the DB lifecycle.
func NewBadgerStore(db *badger.DB, capacity int) (*BadgerStore, error) {
	if capacity <= 0 {
		capacity = 256
	}
	s := &BadgerStore{
		db:       db,
		capacity: capacity,
		byID:     make(map[string]Signature),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load signatures: %w", err)
	}
	return s, nil
}

func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(signatureKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var sig Signature
				if err := json.Unmarshal(val, &sig); err != nil {
					return fmt.Errorf("unmarshal signature: %w", err)
				}
				s.byID[sig.ID] = sig
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Add(sig Signature) error {
	if err := sig.Normalize(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evict string
	if _, exists := s.byID[sig.ID]; !exists && len(s.byID) >= s.capacity {
		evict = s.oldestLocked()
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signature: %w", err)
		}
		if err := txn.Set([]byte(signatureKeyPrefix+sig.ID), data); err != nil {
			return fmt.Errorf("set signature: %w", err)
		}
		if evict != "" {
			if err := txn.Delete([]byte(signatureKeyPrefix + evict)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("evict signature: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if evict != "" {
		delete(s.byID, evict)
	}
	s.byID[sig.ID] = sig
	return nil
}

// oldestLocked returns the ID of the oldest signature by creation time.
func (s *BadgerStore) oldestLocked() string {
	var oldest string
	for id, sig := range s.byID {
		if oldest == "" || sig.CreatedAt.Before(s.byID[oldest].CreatedAt) {
			oldest = id
		}
	}
	return oldest
}

func (s *BadgerStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(signatureKeyPrefix + id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete signature: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	delete(s.byID, id)
	return nil
}

func (s *BadgerStore) Get(id string) (Signature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.byID[id]
	return sig, ok
}

func (s *BadgerStore) List() []Signature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Signature, 0, len(s.byID))
	for _, sig := range s.byID {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *BadgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Close flushes nothing itself; the DB handle is closed by its owner.
func (s *BadgerStore) Close() error { return nil }

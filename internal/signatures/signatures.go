// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package signatures stores user-confirmed device fingerprints. A
// signature is created by explicit user action ("flag this device") and
// consulted on every new observation of the matching protocol.
package signatures

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signature is one user-taught device fingerprint. Match fields are
// OR-combined: any one of MACPrefix, ServiceUUIDs, ManufacturerIDs, or
// SSID matching an observation is a hit.
type Signature struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Protocol        string    `json:"protocol"`
	MACPrefix       string    `json:"macPrefix,omitempty"`
	ServiceUUIDs    []string  `json:"serviceUuids,omitempty"`
	ManufacturerIDs []uint16  `json:"manufacturerIds,omitempty"`
	SSID            string    `json:"ssid,omitempty"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Normalize canonicalizes the match fields and assigns an ID when
// missing.
func (s *Signature) Normalize() error {
	if s.Protocol == "" {
		return fmt.Errorf("signature protocol is required")
	}
	if s.MACPrefix == "" && len(s.ServiceUUIDs) == 0 && len(s.ManufacturerIDs) == 0 && s.SSID == "" {
		return fmt.Errorf("signature needs at least one match field")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.MACPrefix = strings.ToLower(strings.ReplaceAll(s.MACPrefix, "-", ":"))
	for i, u := range s.ServiceUUIDs {
		s.ServiceUUIDs[i] = strings.ToLower(u)
	}
	sort.Strings(s.ServiceUUIDs)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return nil
}

// Store holds learned signatures. Implementations are safe for
// concurrent use.
type Store interface {
	// Add inserts or replaces a signature. Bounded implementations
	// evict the oldest entry when full.
	Add(sig Signature) error
	// Remove deletes by ID; removing an absent ID is not an error.
	Remove(id string) error
	// Get returns the signature with the given ID.
	Get(id string) (Signature, bool)
	// List returns all signatures, oldest first.
	List() []Signature
	// Len reports the stored count.
	Len() int
	Close() error
}

// MemoryStore is a bounded in-memory signature store. When the capacity
// is exceeded the oldest signature is evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	byID     map[string]Signature
	order    []string // insertion order, oldest first
}

// NewMemoryStore returns a bounded in-memory store.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryStore{
		capacity: capacity,
		byID:     make(map[string]Signature, capacity),
	}
}

func (m *MemoryStore) Add(sig Signature) error {
	if err := sig.Normalize(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[sig.ID]; !exists {
		m.order = append(m.order, sig.ID)
		if len(m.order) > m.capacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.byID, oldest)
		}
	}
	m.byID[sig.ID] = sig
	return nil
}

func (m *MemoryStore) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[id]; !exists {
		return nil
	}
	delete(m.byID, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Get(id string) (Signature, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.byID[id]
	return sig, ok
}

func (m *MemoryStore) List() []Signature {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Signature, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *MemoryStore) Close() error { return nil }

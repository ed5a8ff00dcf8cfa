// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

// Package cache provides the windowed data structures shared by the protocol
// handlers: sliding-window counters for burst detection, time-pruned series
// for per-device signal histories, an LRU with TTL for throttle bookkeeping,
// and an Aho-Corasick automaton for multi-pattern name matching.
//
// Every structure here is bounded. Entries older than the configured
// retention window are pruned on access, and keyed stores evict when a
// capacity limit is reached, so none of them can grow without limit no
// matter how many devices are observed.
package cache

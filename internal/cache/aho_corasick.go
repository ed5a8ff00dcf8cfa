// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package cache

import (
	"strings"
	"sync"
)

// AhoCorasick finds all occurrences of multiple substring patterns in a
// text in a single pass, O(n + m + z) for text length n, total pattern
// length m and z matches. The BLE device-name and WiFi SSID signature
// tables use it so that a scan batch costs one automaton walk per name
// instead of one comparison per known pattern.
//
//	ac := NewAhoCorasick()
//	ac.AddPattern("flipper", sig)
//	ac.AddPattern("hidden cam", sig2)
//	ac.Build()
//	matches := ac.Search("Flipper Zero BT")
//
// Matching is case-insensitive.
type AhoCorasick struct {
	mu       sync.RWMutex
	root     *acNode
	patterns []Pattern
	built    bool
}

// acNode is a node in the automaton.
type acNode struct {
	children map[rune]*acNode
	failure  *acNode
	output   []int
}

// Pattern is a search pattern with associated data.
type Pattern struct {
	Text string
	Data any
}

// Match is one pattern occurrence in a searched text.
type Match struct {
	Pattern  string
	Data     any
	Position int
}

// NewAhoCorasick creates an empty automaton.
func NewAhoCorasick() *AhoCorasick {
	return &AhoCorasick{root: newACNode()}
}

func newACNode() *acNode {
	return &acNode{children: make(map[rune]*acNode)}
}

// AddPattern adds a pattern. Build must be called afterwards before
// searching.
func (ac *AhoCorasick) AddPattern(pattern string, data any) {
	if pattern == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.built = false
	ac.patterns = append(ac.patterns, Pattern{Text: pattern, Data: data})
}

// Build constructs the automaton from the added patterns.
func (ac *AhoCorasick) Build() {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.built {
		return
	}

	ac.root = newACNode()
	for i, p := range ac.patterns {
		node := ac.root
		for _, ch := range strings.ToLower(p.Text) {
			child := node.children[ch]
			if child == nil {
				child = newACNode()
				node.children[ch] = child
			}
			node = child
		}
		node.output = append(node.output, i)
	}

	// Failure links via BFS: each node fails to the longest proper suffix
	// of its path that is also a prefix of some pattern.
	var queue []*acNode
	for _, child := range ac.root.children {
		child.failure = ac.root
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for ch, child := range current.children {
			queue = append(queue, child)
			fail := current.failure
			for fail != nil && fail.children[ch] == nil {
				fail = fail.failure
			}
			if fail == nil {
				child.failure = ac.root
			} else {
				child.failure = fail.children[ch]
				child.output = append(child.output, child.failure.output...)
			}
		}
	}

	ac.built = true
}

// Search returns all pattern matches in text.
func (ac *AhoCorasick) Search(text string) []Match {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	if !ac.built || len(ac.patterns) == 0 {
		return nil
	}

	var matches []Match
	node := ac.root
	for i, ch := range strings.ToLower(text) {
		for node != nil && node.children[ch] == nil {
			node = node.failure
		}
		if node == nil {
			node = ac.root
			continue
		}
		node = node.children[ch]
		for _, idx := range node.output {
			p := ac.patterns[idx]
			matches = append(matches, Match{
				Pattern:  p.Text,
				Data:     p.Data,
				Position: i - len(p.Text) + 1,
			})
		}
	}
	return matches
}

// SearchFirst returns the first match in text, if any.
func (ac *AhoCorasick) SearchFirst(text string) (Match, bool) {
	for _, m := range ac.Search(text) {
		return m, true
	}
	return Match{}, false
}

// Len returns the number of registered patterns.
func (ac *AhoCorasick) Len() int {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return len(ac.patterns)
}

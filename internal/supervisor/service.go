// Counterveil - Surveillance Detection and Threat Scoring Engine
// Copyright 2026 Counterveil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/counterveil/counterveil

package supervisor

import "context"

// RunFunc adapts a context-driven run loop into a suture.Service.
type RunFunc struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve implements suture.Service.
func (s RunFunc) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

// String names the service in supervisor logs.
func (s RunFunc) String() string {
	return s.Name
}

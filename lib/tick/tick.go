// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package tick

import "sync"

// Tick is a point in logical time. The runtime's main loop advances
// time in discrete ticks; nothing in the bus reads a wall clock.
type Tick uint64

// Clock abstracts the logical time source for testability. Production
// code injects the runtime's tick counter; tests inject a Manual clock
// and advance it explicitly.
//
// Every function that needs the current tick should accept a Clock
// parameter (or be a method on a struct with a Clock field) instead of
// keeping its own counter.
type Clock interface {
	// Now returns the current tick.
	Now() Tick
}

// Manual is a deterministic Clock. Time advances only when Advance or
// Set is called.
//
// Manual is safe for concurrent use by multiple goroutines.
type Manual struct {
	mu      sync.Mutex
	current Tick
}

// NewManual returns a Manual clock initialized to the given tick.
func NewManual(initial Tick) *Manual {
	return &Manual{current: initial}
}

// Now returns the current tick.
func (m *Manual) Now() Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the clock forward by n ticks and returns the new
// current tick.
func (m *Manual) Advance(n uint64) Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current += Tick(n)
	return m.current
}

// Set moves the clock to t. The time source is monotonically
// non-decreasing: a t earlier than the current tick is ignored and the
// current tick is returned unchanged.
func (m *Manual) Set(t Tick) Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.current {
		m.current = t
	}
	return m.current
}

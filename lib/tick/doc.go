// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package tick provides the logical time domain for the bus.
//
// The device runtime drives all bus time through an external tick
// loop; the bus never reads a wall clock. Code that needs the current
// tick accepts a [Clock] parameter. Production wiring passes the
// runtime's counter; tests pass a [Manual] clock and call Advance to
// move time deterministically:
//
//	clk := tick.NewManual(0)
//	b := bus.New(bus.Options{Clock: clk})
//	clk.Advance(5)
//	b.Tick(clk.Now())
package tick

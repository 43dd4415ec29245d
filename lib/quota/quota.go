// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota implements per-module resource accounting and
// priority-gated admission control.
//
// Each module gets a budget of CPU and GPU milliseconds per rolling
// window plus a latency ceiling checked against an exponential moving
// average. The module-execution loop records usage after each slice
// and consults Admit before the next one; over-budget modules are
// throttled, and only best-effort traffic is ever fully denied.
package quota

import (
	"errors"
	"fmt"

	"github.com/axon-embedded/axon/lib/tick"
	"github.com/axon-embedded/axon/lib/wire"
)

// ErrUnknownModule is returned when usage is recorded for a module
// without a budget.
var ErrUnknownModule = errors.New("quota: unknown module")

// DefaultWindowTicks is the accounting window applied when SetBudget
// is called without one. One tick: a budget configured without a
// window polices instantaneous bursts: a single over-budget burst
// trips the check immediately and clears at the next tick boundary.
const DefaultWindowTicks = 1

// latencyAlpha is the EMA smoothing factor for latency samples.
const latencyAlpha = 0.2

// Decision is the admission outcome for one module action.
type Decision uint8

const (
	// Allow admits the action.
	Allow Decision = iota
	// Throttle defers the action; the execution loop retries later.
	Throttle
	// Drop denies the action outright. Only best-effort traffic is
	// ever dropped by quota pressure.
	Drop
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Drop:
		return "drop"
	default:
		return "invalid"
	}
}

// Budget is the declarative budget for one module. Zero-valued limits
// are unlimited; a zero window selects DefaultWindowTicks.
type Budget struct {
	// CPUBudgetMs bounds CPU milliseconds per window.
	CPUBudgetMs uint64
	// GPUBudgetMs bounds GPU milliseconds per window. Call sites that
	// configure only CPU leave this zero (unlimited).
	GPUBudgetMs uint64
	// LatencyBudgetMs bounds the latency EMA.
	LatencyBudgetMs uint64
	// WindowTicks is the rolling accounting window length.
	WindowTicks uint64
}

// moduleState is one module's live accounting.
type moduleState struct {
	budget Budget

	cpuUsedMs   uint64
	gpuUsedMs   uint64
	latencyEMA  float64
	haveLatency bool

	windowStart tick.Tick
}

// overBudget applies the budget predicate to current accumulators.
func (s *moduleState) overBudget() bool {
	if s.budget.CPUBudgetMs > 0 && s.cpuUsedMs > s.budget.CPUBudgetMs {
		return true
	}
	if s.budget.GPUBudgetMs > 0 && s.gpuUsedMs > s.budget.GPUBudgetMs {
		return true
	}
	if s.budget.LatencyBudgetMs > 0 && s.haveLatency &&
		s.latencyEMA > float64(s.budget.LatencyBudgetMs) {
		return true
	}
	return false
}

// Manager owns every module budget. Owned by the bus and guarded by
// the bus lock.
type Manager struct {
	modules map[string]*moduleState
	now     tick.Tick
}

// NewManager returns an empty manager at tick zero.
func NewManager() *Manager {
	return &Manager{modules: make(map[string]*moduleState)}
}

// SetBudget creates or overwrites a module's budget. The accounting
// window restarts at the current tick; accumulators reset.
func (m *Manager) SetBudget(module string, budget Budget) {
	if budget.WindowTicks == 0 {
		budget.WindowTicks = DefaultWindowTicks
	}
	m.modules[module] = &moduleState{
		budget:      budget,
		windowStart: m.now,
	}
}

// Budget returns the module's configured budget.
func (m *Manager) Budget(module string) (Budget, bool) {
	state, ok := m.modules[module]
	if !ok {
		return Budget{}, false
	}
	return state.budget, true
}

// RecordCPU accumulates CPU usage for the current window.
func (m *Manager) RecordCPU(module string, ms uint64) error {
	state, ok := m.modules[module]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	state.cpuUsedMs += ms
	return nil
}

// RecordGPU accumulates GPU usage for the current window.
func (m *Manager) RecordGPU(module string, ms uint64) error {
	state, ok := m.modules[module]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	state.gpuUsedMs += ms
	return nil
}

// RecordLatency folds a latency sample into the module's EMA. The
// first sample initializes the average.
func (m *Manager) RecordLatency(module string, ms uint64) error {
	state, ok := m.modules[module]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	sample := float64(ms)
	if !state.haveLatency {
		state.latencyEMA = sample
		state.haveLatency = true
	} else {
		state.latencyEMA = latencyAlpha*sample + (1-latencyAlpha)*state.latencyEMA
	}
	return nil
}

// LatencyEMA returns the module's current latency EMA, zero when no
// sample has been recorded.
func (m *Manager) LatencyEMA(module string) float64 {
	state, ok := m.modules[module]
	if !ok {
		return 0
	}
	return state.latencyEMA
}

// Tick advances accounting time. For every module whose window
// boundary has been crossed, the CPU and GPU accumulators reset and
// the window start advances to the most recent boundary. The latency
// EMA is a long-run estimate and survives window resets.
func (m *Manager) Tick(now tick.Tick) {
	if now < m.now {
		// The time source is non-decreasing.
		now = m.now
	}
	m.now = now
	for _, state := range m.modules {
		window := tick.Tick(state.budget.WindowTicks)
		if window == 0 || now < state.windowStart+window {
			continue
		}
		elapsed := now - state.windowStart
		state.windowStart += (elapsed / window) * window
		state.cpuUsedMs = 0
		state.gpuUsedMs = 0
	}
}

// Now returns the manager's current tick.
func (m *Manager) Now() tick.Tick { return m.now }

// IsOverBudget reports whether the module currently exceeds any of its
// limits. Modules without a budget are never over budget.
func (m *Manager) IsOverBudget(module string) bool {
	state, ok := m.modules[module]
	if !ok {
		return false
	}
	return state.overBudget()
}

// Admit returns the admission decision for one action by the module at
// the given priority. Recomputed from current accumulators on every
// call; never cached.
func (m *Manager) Admit(module string, priority wire.Priority) Decision {
	state, ok := m.modules[module]
	if !ok || !state.overBudget() {
		return Allow
	}
	if priority == wire.BestEffort {
		return Drop
	}
	return Throttle
}

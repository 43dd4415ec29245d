// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry schedules resubmission of unacknowledged sends.
//
// The manager owns only scheduling state (message id, next retry tick,
// attempts remaining); the bus keeps the messages themselves and
// resubmits the ids the manager reports due. Backoff doubles per
// attempt up to a cap, with jitter drawn from a seeded source so test
// runs are reproducible.
package retry

import (
	"math/rand"

	"github.com/axon-embedded/axon/lib/tick"
)

// Policy configures retry behavior for the whole bus.
type Policy struct {
	// Enabled gates tracking entirely; a disabled policy makes Track a
	// no-op.
	Enabled bool
	// MaxAttempts is the number of resubmissions per message after the
	// original send.
	MaxAttempts int
	// BaseBackoffTicks is the delay before the first retry.
	BaseBackoffTicks uint64
	// MaxBackoffTicks caps the doubled backoff. Zero means uncapped.
	MaxBackoffTicks uint64
	// JitterTicks adds a uniform random delay in [0, JitterTicks] to
	// each backoff. Zero disables jitter.
	JitterTicks uint64
}

// DefaultPolicy returns the bring-up default: retries disabled until
// ConfigureRetry turns them on.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:          false,
		MaxAttempts:      3,
		BaseBackoffTicks: 10,
		MaxBackoffTicks:  160,
	}
}

// Entry is one tracked message's retry state.
type Entry struct {
	ID uint64
	// NextRetry is the tick at or after which the message is due for
	// resubmission.
	NextRetry tick.Tick
	// AttemptsRemaining counts resubmissions left before the entry is
	// discarded.
	AttemptsRemaining int

	// attempt counts completed backoff periods, driving the
	// exponential schedule.
	attempt int
}

// Manager tracks retry entries. Owned by the bus and guarded by the
// bus lock.
type Manager struct {
	policy  Policy
	entries map[uint64]*Entry
	// order preserves tracking order for deterministic Due results.
	order []uint64
	rng   *rand.Rand
}

// NewManager returns a manager with the given policy. The seed drives
// jitter; fix it in tests for reproducible schedules.
func NewManager(policy Policy, seed int64) *Manager {
	return &Manager{
		policy:  policy,
		entries: make(map[uint64]*Entry),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Configure replaces the policy. Existing entries keep their current
// schedule; the new policy applies to future tracking and backoff.
func (m *Manager) Configure(policy Policy) {
	m.policy = policy
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy { return m.policy }

// Len returns the number of tracked entries.
func (m *Manager) Len() int { return len(m.entries) }

// backoff computes the delay for the given completed-attempt count.
func (m *Manager) backoff(attempt int) uint64 {
	delay := m.policy.BaseBackoffTicks
	for i := 0; i < attempt; i++ {
		delay *= 2
		if m.policy.MaxBackoffTicks > 0 && delay >= m.policy.MaxBackoffTicks {
			delay = m.policy.MaxBackoffTicks
			break
		}
	}
	if m.policy.MaxBackoffTicks > 0 && delay > m.policy.MaxBackoffTicks {
		delay = m.policy.MaxBackoffTicks
	}
	if m.policy.JitterTicks > 0 {
		delay += uint64(m.rng.Int63n(int64(m.policy.JitterTicks) + 1))
	}
	return delay
}

// Track registers a message for retry, scheduling its first
// resubmission one backoff past now. No-op when retries are disabled,
// when MaxAttempts is zero, or when the id is already tracked.
func (m *Manager) Track(id uint64, now tick.Tick) {
	if !m.policy.Enabled || m.policy.MaxAttempts <= 0 {
		return
	}
	if _, exists := m.entries[id]; exists {
		return
	}
	m.entries[id] = &Entry{
		ID:                id,
		NextRetry:         now + tick.Tick(m.backoff(0)),
		AttemptsRemaining: m.policy.MaxAttempts,
	}
	m.order = append(m.order, id)
}

// Ack removes a tracked entry after its message is acknowledged.
// Idempotent.
func (m *Manager) Ack(id uint64) {
	if _, exists := m.entries[id]; !exists {
		return
	}
	delete(m.entries, id)
	m.compactOrder()
}

// Tracked reports whether the id currently has a retry entry.
func (m *Manager) Tracked(id uint64) bool {
	_, exists := m.entries[id]
	return exists
}

// Due returns, in tracking order, the ids of every entry whose retry
// tick has arrived, decrementing their attempts. Entries with no
// attempts left are removed; the rest are rescheduled with doubled
// backoff.
func (m *Manager) Due(now tick.Tick) []uint64 {
	var due []uint64
	removed := false
	for _, id := range m.order {
		entry, exists := m.entries[id]
		if !exists || entry.NextRetry > now {
			continue
		}
		due = append(due, id)
		entry.AttemptsRemaining--
		entry.attempt++
		if entry.AttemptsRemaining <= 0 {
			delete(m.entries, id)
			removed = true
			continue
		}
		entry.NextRetry = now + tick.Tick(m.backoff(entry.attempt))
	}
	if removed {
		m.compactOrder()
	}
	return due
}

// compactOrder drops order slots whose entries are gone.
func (m *Manager) compactOrder() {
	kept := m.order[:0]
	for _, id := range m.order {
		if _, exists := m.entries[id]; exists {
			kept = append(kept, id)
		}
	}
	m.order = kept
}

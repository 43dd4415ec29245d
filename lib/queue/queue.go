// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the per-channel bounded delivery queue and
// its backpressure policies.
//
// Messages wait here between admission and routing. The queue is FIFO
// by arrival; dispatch at route time is priority-descending with
// arrival order breaking ties, so equal-priority messages are never
// reordered. Evictions under DropOldest and DropLowPriority are
// silent policy actions observable only through queue state; only
// RejectNew surfaces an error to the sender.
package queue

import (
	"errors"
	"sort"

	"github.com/axon-embedded/axon/lib/tick"
	"github.com/axon-embedded/axon/lib/wire"
)

// ErrQueueFull is returned by Push under the RejectNew policy when the
// queue cannot accept the message. Queue state is left untouched.
var ErrQueueFull = errors.New("queue: channel queue full")

// DropPolicy selects what happens when a bounded queue overflows.
type DropPolicy uint8

const (
	// DropOldest evicts from the queue head (oldest arrival) until the
	// new message fits, regardless of priority.
	DropOldest DropPolicy = iota
	// DropLowPriority evicts the lowest-priority queued message whose
	// priority is strictly below the incoming message's; when no such
	// message exists, the incoming message itself is dropped.
	DropLowPriority
	// RejectNew fails the send with ErrQueueFull without mutating the
	// queue.
	RejectNew
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropLowPriority:
		return "drop-low-priority"
	case RejectNew:
		return "reject-new"
	default:
		return "invalid"
	}
}

// Backpressure bounds one channel queue. Zero-valued limits mean
// unlimited; DefaultBackpressure supplies the bus-wide defaults.
type Backpressure struct {
	// MaxQueue bounds the number of queued messages.
	MaxQueue int
	// MaxInFlight bounds messages dispatched to inboxes but not yet
	// acknowledged.
	MaxInFlight int
	// MaxBytes bounds the sum of queued payload sizes.
	MaxBytes int
	// Policy is the overflow behavior.
	Policy DropPolicy
}

// DefaultBackpressure returns the limits applied to channels that were
// never explicitly configured. Sized for control-plane traffic on a
// memory-constrained device.
func DefaultBackpressure() Backpressure {
	return Backpressure{
		MaxQueue:    64,
		MaxInFlight: 16,
		MaxBytes:    64 * 1024,
		Policy:      DropOldest,
	}
}

// Delivery is a message waiting in a channel queue, exclusively owned
// by the queue until dispatched, evicted, or expired.
type Delivery struct {
	Message *wire.Message
	// EnqueuedAt is the tick the message entered the queue.
	EnqueuedAt tick.Tick
	// Attempts counts how many times the message has been submitted,
	// including the first.
	Attempts int

	// seq is the queue-local arrival sequence, the tie-breaker for
	// equal priorities.
	seq uint64
}

// Queue is one channel's bounded delivery queue. It is owned by the
// bus and guarded by the bus lock.
type Queue struct {
	config  Backpressure
	entries []*Delivery
	bytes   int
	nextSeq uint64

	// inFlight counts dispatched-but-unacknowledged messages.
	inFlight int
}

// New returns an empty queue with the given limits.
func New(config Backpressure) *Queue {
	return &Queue{config: config}
}

// Configure replaces the queue's limits. Existing entries are kept
// even if they exceed the new limits; the bounds apply to subsequent
// pushes.
func (q *Queue) Configure(config Backpressure) {
	q.config = config
}

// Config returns the active limits.
func (q *Queue) Config() Backpressure { return q.config }

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.entries) }

// Bytes returns the queued payload byte total.
func (q *Queue) Bytes() int { return q.bytes }

// InFlight returns the dispatched-but-unacknowledged count.
func (q *Queue) InFlight() int { return q.inFlight }

// fits reports whether adding size more bytes and one more message
// stays inside the limits.
func (q *Queue) fits(size int) bool {
	if q.config.MaxQueue > 0 && len(q.entries)+1 > q.config.MaxQueue {
		return false
	}
	if q.config.MaxBytes > 0 && q.bytes+size > q.config.MaxBytes {
		return false
	}
	return true
}

// removeAt drops the entry at index i, keeping arrival order.
func (q *Queue) removeAt(i int) {
	q.bytes -= len(q.entries[i].Message.Payload)
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
}

// Push applies the overflow policy and enqueues the message. The
// returned Delivery is nil when the message was silently dropped
// (DropLowPriority with nothing strictly below it, or a payload that
// can never fit). RejectNew overflow returns ErrQueueFull with the
// queue unmodified.
func (q *Queue) Push(m *wire.Message, now tick.Tick) (*Delivery, error) {
	size := len(m.Payload)

	if !q.fits(size) {
		switch q.config.Policy {
		case RejectNew:
			return nil, ErrQueueFull

		case DropOldest:
			for len(q.entries) > 0 && !q.fits(size) {
				q.removeAt(0)
			}
			if !q.fits(size) {
				// The message alone exceeds the byte bound.
				return nil, nil
			}

		case DropLowPriority:
			for !q.fits(size) {
				victim := q.lowestBelow(m.Priority)
				if victim < 0 {
					// Nothing queued ranks strictly below the
					// incoming message: the incoming message loses.
					return nil, nil
				}
				q.removeAt(victim)
				if len(q.entries) == 0 && !q.fits(size) {
					return nil, nil
				}
			}
		}
	}

	delivery := &Delivery{
		Message:    m,
		EnqueuedAt: now,
		Attempts:   int(m.Retries) + 1,
		seq:        q.nextSeq,
	}
	q.nextSeq++
	q.entries = append(q.entries, delivery)
	q.bytes += size
	return delivery, nil
}

// lowestBelow returns the index of the queued entry with the lowest
// priority strictly below limit, oldest first among equals. Returns -1
// when every queued entry ranks at or above limit.
func (q *Queue) lowestBelow(limit wire.Priority) int {
	best := -1
	for i, entry := range q.entries {
		if entry.Message.Priority.Compare(limit) >= 0 {
			continue
		}
		if best == -1 || entry.Message.Priority.Compare(q.entries[best].Message.Priority) < 0 {
			best = i
		}
	}
	return best
}

// PurgeExpired removes and returns every queued delivery whose TTL has
// elapsed at now. Expired messages are never delivered.
func (q *Queue) PurgeExpired(now tick.Tick) []*Delivery {
	var expired []*Delivery
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if entry.Message.Expired(now) {
			q.bytes -= len(entry.Message.Payload)
			expired = append(expired, entry)
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	return expired
}

// Drain removes and returns deliverable messages in dispatch order:
// priority descending, arrival order within a priority. Expired
// entries are purged first and returned separately. The number of
// dispatched messages respects the MaxInFlight bound; entries beyond
// the in-flight allowance stay queued.
func (q *Queue) Drain(now tick.Tick) (dispatched, expired []*Delivery) {
	expired = q.PurgeExpired(now)

	allowance := len(q.entries)
	if q.config.MaxInFlight > 0 {
		available := q.config.MaxInFlight - q.inFlight
		if available < allowance {
			allowance = available
		}
		if allowance < 0 {
			allowance = 0
		}
	}
	if allowance == 0 {
		return nil, expired
	}

	// Stable sort keeps arrival order inside each priority class.
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].Message.Priority.Compare(q.entries[j].Message.Priority) > 0
	})

	dispatched = append(dispatched, q.entries[:allowance]...)
	for _, entry := range dispatched {
		q.bytes -= len(entry.Message.Payload)
	}
	remaining := append([]*Delivery(nil), q.entries[allowance:]...)
	// Restore arrival order for the messages left behind.
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].seq < remaining[j].seq
	})
	q.entries = remaining
	q.inFlight += len(dispatched)
	return dispatched, expired
}

// Ack releases one in-flight slot after a consumer acknowledges a
// dispatched message.
func (q *Queue) Ack() {
	if q.inFlight > 0 {
		q.inFlight--
	}
}

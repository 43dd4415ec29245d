// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"

	"github.com/axon-embedded/axon/lib/channel"
	"github.com/axon-embedded/axon/lib/tick"
	"github.com/axon-embedded/axon/lib/wire"
)

// Rejection records a message that failed a routing-time security
// check and was discarded.
type Rejection struct {
	ID      uint64
	Channel string
	Err     error
}

// RouteReport summarizes one Route pass. Nothing is silently
// swallowed: expirations and security rejections are reported even
// though they are not errors to any single caller.
type RouteReport struct {
	// Delivered counts inbox insertions (one message fanned out to n
	// subscribers counts n).
	Delivered int
	// Expired lists ids purged by TTL during this pass.
	Expired []uint64
	// Rejected lists messages dropped by freshness, auth, or replay
	// checks.
	Rejected []Rejection
}

// Route dispatches all queued, non-expired messages to subscriber
// inboxes. Per channel, messages leave the queue in priority-
// descending order with arrival order breaking ties, and inboxes
// preserve that order for Recv. Each message passes the timestamp
// freshness policy, the channel's auth requirement, and the
// anti-replay ledger before fan-out.
func (b *Bus) Route() RouteReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var report RouteReport

	for _, ch := range b.registry.Channels() {
		dispatched, expired := ch.Queue.Drain(now)
		for _, entry := range expired {
			report.Expired = append(report.Expired, entry.Message.ID)
			b.log.Debug("message expired before routing",
				"channel", ch.Name, "id", entry.Message.ID)
		}

		for _, delivery := range dispatched {
			message := delivery.Message
			if err := b.admitRouted(ch, message, now); err != nil {
				ch.Queue.Ack()
				report.Rejected = append(report.Rejected, Rejection{
					ID:      message.ID,
					Channel: ch.Name,
					Err:     wrapError("route", err),
				})
				b.log.Debug("message rejected at routing",
					"channel", ch.Name, "id", message.ID, "error", err)
				continue
			}

			subscribers := ch.Subscribers()
			if len(subscribers) == 0 {
				// Nobody to deliver to; release the in-flight slot.
				// A retry-tracked message stays pending and will be
				// resubmitted, by which time a subscriber may exist.
				ch.Queue.Ack()
				continue
			}
			for _, module := range subscribers {
				b.inboxes[module] = append(b.inboxes[module], inboxEntry{
					message: message,
					channel: ch.Name,
				})
				report.Delivered++
			}
			if _, redelivered := b.inflightChannel[message.ID]; redelivered {
				// A retry re-delivered this id before the first copy
				// was acknowledged. Fold the earlier delivery's
				// in-flight slot into this one so a single Ack
				// releases the id completely.
				ch.Queue.Ack()
			}
			b.inflightChannel[message.ID] = ch.Name
		}
	}
	return report
}

// admitRouted applies the routing-time security checks: timestamp
// freshness, the channel's effective auth requirement, signature
// verification when a signature is present, and nonce anti-replay.
func (b *Bus) admitRouted(ch *channel.Channel, message *wire.Message, now tick.Tick) error {
	if err := b.freshness.Check(message.CreatedTick, now); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if ch.EffectiveRequireAuth(b.requireAuth) {
		if err := message.ValidateAuth(b.keys.TagKey(message.Sender)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	if len(message.Signature) > 0 {
		if err := message.VerifySignature(b.keys.SignatureKey(message.Sender)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return b.ledger.Accept(message.Sender, message.Channel, message.Nonce)
}

// Recv pops the next message payload from a module's inbox, in the
// order Route dispatched them. The returned slice is the caller's to
// keep.
func (b *Bus) Recv(module string) ([]byte, bool) {
	message, ok := b.RecvRaw(module)
	if !ok {
		return nil, false
	}
	return message.Payload, true
}

// RecvRaw pops the next full message from a module's inbox. The
// returned message is a copy; bus-owned state is never exposed by
// reference.
func (b *Bus) RecvRaw(module string) (*wire.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inbox := b.inboxes[module]
	if len(inbox) == 0 {
		return nil, false
	}
	entry := inbox[0]
	b.inboxes[module] = inbox[1:]
	return cloneMessage(entry.message), true
}

// Ack acknowledges a delivered message, releasing its channel
// in-flight slot and clearing any retry tracking. Idempotent; unknown
// ids are ignored.
func (b *Bus) Ack(module string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if channelName, ok := b.inflightChannel[id]; ok {
		if ch, err := b.registry.Get(channelName); err == nil {
			ch.Queue.Ack()
		}
		delete(b.inflightChannel, id)
	}
	b.retries.Ack(id)
	delete(b.pending, id)
	b.log.Debug("message acknowledged", "module", module, "id", id)
}

// RetryPending resubmits every tracked message whose retry tick has
// arrived, returning the resubmitted ids. Resubmission restamps the
// nonce and auth tag (the original nonce was consumed if the message
// was ever routed) and goes back through the channel's backpressure
// policy. Messages whose TTL has already elapsed are abandoned instead
// of resubmitted.
func (b *Bus) RetryPending() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	due := b.retries.Due(now)
	var resubmitted []uint64

	for _, id := range due {
		message, ok := b.pending[id]
		if !ok {
			continue
		}
		if message.Expired(now) {
			b.retries.Ack(id)
			delete(b.pending, id)
			b.log.Debug("retry abandoned: message expired", "id", id)
			continue
		}
		ch, err := b.registry.Get(message.Channel)
		if err != nil {
			b.retries.Ack(id)
			delete(b.pending, id)
			continue
		}

		message.Retries++
		message.Nonce = b.ledger.Issue(message.Sender, message.Channel)
		message.StampAuth(b.keys.TagKey(message.Sender))
		if len(message.Signature) > 0 {
			// The fresh nonce invalidated the signature; re-sign so the
			// resubmission passes routing verification.
			if err := message.Sign(b.keys.SignatureKey(message.Sender)); err != nil {
				b.retries.Ack(id)
				delete(b.pending, id)
				b.log.Debug("retry abandoned: re-signing failed", "id", id, "error", err)
				continue
			}
		}

		delivery, err := ch.Queue.Push(message, now)
		if err != nil || delivery == nil {
			// Queue refused the resubmission; the entry stays tracked
			// (unless exhausted) and will come due again.
			b.log.Debug("retry resubmission refused by queue",
				"id", id, "channel", message.Channel)
			continue
		}
		resubmitted = append(resubmitted, id)
		b.log.Debug("message resubmitted",
			"id", id, "channel", message.Channel, "attempt", message.Retries)
	}

	// Entries exhausted by this pass are gone from the manager; drop
	// their pending copies.
	for _, id := range due {
		if !b.retries.Tracked(id) {
			delete(b.pending, id)
		}
	}
	return resubmitted
}

// VerifyMessage runs the full validation path against a message
// outside of routing: codec validation, freshness, the effective auth
// requirement, signature check when present, and anti-replay. The
// nonce is consumed on success, so verifying the same message twice
// deterministically fails with ErrReplayDetected.
func (b *Bus) VerifyMessage(message *wire.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return wrapError("verify", b.verifyLocked(message))
}

func (b *Bus) verifyLocked(message *wire.Message) error {
	if err := b.codec.Validate(message); err != nil {
		return err
	}

	requireAuth := b.requireAuth
	if ch, err := b.registry.Get(message.Channel); err == nil {
		requireAuth = ch.EffectiveRequireAuth(b.requireAuth)
	}

	now := b.clock.Now()
	if err := b.freshness.Check(message.CreatedTick, now); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if requireAuth {
		if err := message.ValidateAuth(b.keys.TagKey(message.Sender)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	if len(message.Signature) > 0 {
		if err := message.VerifySignature(b.keys.SignatureKey(message.Sender)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return b.ledger.Accept(message.Sender, message.Channel, message.Nonce)
}

// cloneMessage deep-copies a message so inbox consumers never share
// bus-owned memory.
func cloneMessage(m *wire.Message) *wire.Message {
	clone := *m
	clone.Payload = append([]byte(nil), m.Payload...)
	if m.Signature != nil {
		clone.Signature = append([]byte(nil), m.Signature...)
	}
	if m.Checksum != nil {
		sum := *m.Checksum
		clone.Checksum = &sum
	}
	if m.AuthTag != nil {
		tag := *m.AuthTag
		clone.AuthTag = &tag
	}
	return &clone
}

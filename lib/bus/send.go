// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"

	"github.com/axon-embedded/axon/lib/quota"
	"github.com/axon-embedded/axon/lib/wire"
)

// Send submits a payload to a channel with the default TTL. Returns
// the assigned message id.
func (b *Bus) Send(sender, channelName string, payload []byte, priority wire.Priority) (uint64, error) {
	return b.SendWithTTL(sender, channelName, payload, priority, DefaultTTLTicks)
}

// SendWithTTL submits a payload that expires ttlTicks after the
// current tick. If retries are enabled, the send is tracked for
// resubmission until acknowledged.
func (b *Bus) SendWithTTL(sender, channelName string, payload []byte, priority wire.Priority, ttlTicks uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	message := &wire.Message{
		Channel: channelName,
		// Own the payload: callers may reuse their buffer.
		Payload:     append([]byte(nil), payload...),
		Priority:    priority,
		Sender:      sender,
		CreatedTick: b.clock.Now(),
		TTLTicks:    ttlTicks,
		Version:     b.codec.Version(),
	}
	id, err := b.submit(message)
	if err != nil {
		return 0, wrapError("send", err)
	}
	return id, nil
}

// SendRaw submits a caller-built message. The bus assigns the id,
// nonce, creation tick, checksum, and auth tag; the caller controls
// opcode, API version, priority, TTL, and payload. A message carrying
// a signature is re-signed once the nonce is assigned. The message
// passes the full validation and admission path.
func (b *Bus) SendRaw(message *wire.Message) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	owned := *message
	owned.Payload = append([]byte(nil), message.Payload...)
	owned.CreatedTick = b.clock.Now()
	if owned.Version == 0 {
		owned.Version = b.codec.Version()
	}
	id, err := b.submit(&owned)
	if err != nil {
		return 0, wrapError("send", err)
	}
	return id, nil
}

// submit runs the shared send path under the bus lock: stamp, validate,
// capability and quota gates, then enqueue under backpressure.
func (b *Bus) submit(message *wire.Message) (uint64, error) {
	ch, err := b.registry.Get(message.Channel)
	if err != nil {
		return 0, err
	}

	if !message.Priority.Valid() {
		return 0, fmt.Errorf("bus: invalid priority %d", message.Priority)
	}

	b.nextID++
	message.ID = b.nextID
	message.Nonce = b.ledger.Issue(message.Sender, message.Channel)
	message.StampAuth(b.keys.TagKey(message.Sender))
	if len(message.Signature) > 0 {
		// The signature binds the nonce, so a caller-signed message
		// went stale when the nonce was issued. Re-sign with the
		// sender's derived key.
		if err := message.Sign(b.keys.SignatureKey(message.Sender)); err != nil {
			return 0, err
		}
	}

	if err := b.codec.Validate(message); err != nil {
		return 0, err
	}
	if err := ch.CheckCapability(message); err != nil {
		return 0, err
	}
	if decision := b.quotas.Admit(message.Sender, message.Priority); decision != quota.Allow {
		return 0, fmt.Errorf("%w: module %q over budget (%s)", ErrBusy, message.Sender, decision)
	}
	// Channel-window accounting runs last among the gates so a send
	// rejected at module level never consumes a window slot.
	if err := ch.AdmitSend(b.clock.Now()); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	delivery, err := ch.Queue.Push(message, b.clock.Now())
	if err != nil {
		return 0, err
	}
	if delivery == nil {
		// Silent policy drop: the incoming message lost under the
		// channel's drop policy. Observable through queue state.
		b.log.Debug("send dropped by backpressure policy",
			"channel", message.Channel, "id", message.ID,
			"priority", message.Priority.String())
		return message.ID, nil
	}

	if b.retries.Policy().Enabled {
		b.retries.Track(message.ID, b.clock.Now())
		b.pending[message.ID] = message
	}
	return message.ID, nil
}

// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/axon-embedded/axon/lib/tick"
)

// DefaultMaxPayload is the payload size ceiling when no limit is
// configured. Bus traffic is control-plane sized; bulk data moves
// through shared device memory outside the bus.
const DefaultMaxPayload = 1024

// SignatureSize is the length of the optional keyed BLAKE3 signature.
const SignatureSize = 32

// Message is a single bus message. All fields travel on the wire; the
// checksum and auth tag are pointers so their absence is
// distinguishable from a zero value.
type Message struct {
	// ID is assigned by the bus at send time, unique per bus instance.
	ID uint64 `cbor:"id"`

	// Channel names the destination channel.
	Channel string `cbor:"channel"`

	// Payload is the opaque message body, at most the codec's
	// configured maximum.
	Payload []byte `cbor:"payload"`

	// APIVersion is the sender's declared module API version, carried
	// for the receiver's benefit and not interpreted by the bus.
	APIVersion uint16 `cbor:"api_version"`

	// Priority is the message's service class.
	Priority Priority `cbor:"priority"`

	// Sender is the sending module's identifier.
	Sender string `cbor:"sender"`

	// Nonce is the sender's per-channel monotonic counter, used for
	// replay detection.
	Nonce uint64 `cbor:"nonce"`

	// CreatedTick is the logical time the message was stamped.
	CreatedTick tick.Tick `cbor:"created_tick"`

	// TTLTicks is the number of ticks after CreatedTick the message
	// remains deliverable. Zero means the message expires if it is not
	// routed within the creation tick.
	TTLTicks uint64 `cbor:"ttl_ticks"`

	// Retries counts resubmissions performed by the retry manager.
	Retries uint8 `cbor:"retries"`

	// Signature is an optional keyed BLAKE3 MAC over channel, nonce,
	// and payload. Nil when the channel does not require signing.
	Signature []byte `cbor:"signature,omitempty"`

	// Version is the bus protocol version the message was built for.
	Version uint8 `cbor:"version"`

	// Opcode selects the operation and, via its high nibble, the
	// target class for capability routing.
	Opcode uint8 `cbor:"opcode"`

	// Checksum is the wraparound byte-sum of the payload. Nil means
	// the sender did not stamp one.
	Checksum *uint8 `cbor:"checksum,omitempty"`

	// AuthTag is the symmetric auth tag derived from the checksum,
	// nonce, and signing key. Nil means unauthenticated.
	AuthTag *uint8 `cbor:"auth_tag,omitempty"`
}

// PayloadChecksum computes the unsigned byte-sum of data, wrapping at
// 256. It is an integrity fold, not a security primitive; the auth tag
// and signature provide authenticity.
func PayloadChecksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// foldNonce folds a 64-bit nonce into the one-byte tag domain by
// XOR-ing its bytes together.
func foldNonce(nonce uint64) uint8 {
	var folded uint8
	for shift := 0; shift < 64; shift += 8 {
		folded ^= uint8(nonce >> shift)
	}
	return folded
}

// Expired reports whether the message's TTL has elapsed at the given
// tick. A message is deliverable while CreatedTick+TTLTicks >= now;
// the deadline saturates, so a TTL past the end of the tick domain
// means the message never expires.
func (m *Message) Expired(now tick.Tick) bool {
	deadline := m.CreatedTick + tick.Tick(m.TTLTicks)
	if deadline < m.CreatedTick {
		return false
	}
	return deadline < now
}

// TargetClass resolves the subsystem class this message addresses.
func (m *Message) TargetClass() TargetClass {
	return TargetClassFromOpcode(m.Opcode)
}

// Stamp computes and sets the payload checksum.
func (m *Message) Stamp() {
	sum := PayloadChecksum(m.Payload)
	m.Checksum = &sum
}

// StampAuth computes and sets the checksum and the auth tag for the
// given one-byte signing key.
func (m *Message) StampAuth(key uint8) {
	m.Stamp()
	tag := *m.Checksum ^ foldNonce(m.Nonce) ^ key
	m.AuthTag = &tag
}

// ValidateAuth recomputes the auth tag against key. Returns
// ErrMissingAuthTag when the message carries none, ErrAuthMismatch
// when the recomputed tag differs.
func (m *Message) ValidateAuth(key uint8) error {
	if m.AuthTag == nil {
		return ErrMissingAuthTag
	}
	want := PayloadChecksum(m.Payload) ^ foldNonce(m.Nonce) ^ key
	if *m.AuthTag != want {
		return ErrAuthMismatch
	}
	return nil
}

// signingInput assembles the byte string covered by the signature:
// channel, big-endian nonce, payload. Lengths are implicit in the
// fixed nonce width and the channel/payload split never being
// ambiguous on verification (both sides rebuild the input from parsed
// fields, not from raw bytes).
func (m *Message) signingInput() []byte {
	input := make([]byte, 0, len(m.Channel)+8+len(m.Payload))
	input = append(input, m.Channel...)
	input = binary.BigEndian.AppendUint64(input, m.Nonce)
	input = append(input, m.Payload...)
	return input
}

// Sign computes the keyed BLAKE3 signature with the 32-byte key and
// attaches it to the message.
func (m *Message) Sign(key []byte) error {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return fmt.Errorf("wire: signing key: %w", err)
	}
	hasher.Write(m.signingInput())
	m.Signature = hasher.Sum(nil)
	return nil
}

// VerifySignature recomputes the keyed BLAKE3 signature and compares
// it in constant time. A nil signature fails with
// ErrSignatureMismatch.
func (m *Message) VerifySignature(key []byte) error {
	if len(m.Signature) != SignatureSize {
		return ErrSignatureMismatch
	}
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return fmt.Errorf("wire: signing key: %w", err)
	}
	hasher.Write(m.signingInput())
	if subtle.ConstantTimeCompare(hasher.Sum(nil), m.Signature) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Equal reports whether two messages are identical field for field.
// Used by round-trip tests; pointer fields compare by value.
func (m *Message) Equal(other *Message) bool {
	if m.ID != other.ID ||
		m.Channel != other.Channel ||
		!bytes.Equal(m.Payload, other.Payload) ||
		m.APIVersion != other.APIVersion ||
		m.Priority != other.Priority ||
		m.Sender != other.Sender ||
		m.Nonce != other.Nonce ||
		m.CreatedTick != other.CreatedTick ||
		m.TTLTicks != other.TTLTicks ||
		m.Retries != other.Retries ||
		!bytes.Equal(m.Signature, other.Signature) ||
		m.Version != other.Version ||
		m.Opcode != other.Opcode {
		return false
	}
	if (m.Checksum == nil) != (other.Checksum == nil) {
		return false
	}
	if m.Checksum != nil && *m.Checksum != *other.Checksum {
		return false
	}
	if (m.AuthTag == nil) != (other.AuthTag == nil) {
		return false
	}
	if m.AuthTag != nil && *m.AuthTag != *other.AuthTag {
		return false
	}
	return true
}

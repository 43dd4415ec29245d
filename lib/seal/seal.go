// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package seal

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/axon-embedded/axon/lib/tick"
)

var (
	// ErrReplayDetected is returned when a nonce is not strictly
	// greater than the last accepted nonce for its (sender, channel)
	// pair.
	ErrReplayDetected = errors.New("seal: replay detected")

	// ErrStaleTimestamp is returned by a Required freshness policy
	// when a message's creation tick is outside the tolerated skew.
	ErrStaleTimestamp = errors.New("seal: message timestamp outside skew tolerance")
)

// hkdfSalt domain-separates the bus key schedule from any other use of
// the shared secret.
var hkdfSalt = []byte("axon/bus/v1")

// KeySchedule derives per-module signing material from the shared
// secret supplied by the identity subsystem. Derivation is
// deterministic, so both sides of a channel compute identical keys.
type KeySchedule struct {
	secret []byte
}

// NewKeySchedule builds a schedule over the shared secret. A nil or
// empty secret is permitted during early bring-up; the derived keys
// are then well-defined but worthless, and channels requiring auth
// should not be opened until the identity stack delivers a real
// secret.
func NewKeySchedule(sharedSecret []byte) *KeySchedule {
	return &KeySchedule{secret: append([]byte(nil), sharedSecret...)}
}

// derive expands the secret for one module into out.
func (k *KeySchedule) derive(module string, out []byte) {
	reader := hkdf.New(sha256.New, k.secret, hkdfSalt, []byte("module:"+module))
	if _, err := io.ReadFull(reader, out); err != nil {
		// HKDF-SHA256 only fails past 255*32 output bytes; the
		// schedule never asks for more than 33.
		panic(fmt.Sprintf("seal: hkdf expansion failed: %v", err))
	}
}

// TagKey returns the one-byte auth-tag key for a module.
func (k *KeySchedule) TagKey(module string) uint8 {
	var out [33]byte
	k.derive(module, out[:])
	return out[32]
}

// SignatureKey returns the 32-byte keyed-BLAKE3 signature key for a
// module.
func (k *KeySchedule) SignatureKey(module string) []byte {
	out := make([]byte, 33)
	k.derive(module, out)
	return out[:32]
}

// ledgerKey identifies one nonce stream.
type ledgerKey struct {
	sender  string
	channel string
}

// NonceLedger tracks nonce state per (sender, channel) pair: the
// highest nonce issued for outgoing sends and the highest nonce
// accepted during verification. Both sides are monotonic; a nonce at
// or below the accepted high-water mark is a replay.
//
// The ledger is owned by the bus and guarded by the bus lock; it has
// no locking of its own.
type NonceLedger struct {
	issued   map[ledgerKey]uint64
	accepted map[ledgerKey]uint64
}

// NewNonceLedger returns an empty ledger.
func NewNonceLedger() *NonceLedger {
	return &NonceLedger{
		issued:   make(map[ledgerKey]uint64),
		accepted: make(map[ledgerKey]uint64),
	}
}

// Issue returns the next outgoing nonce for the pair, starting at 1.
func (l *NonceLedger) Issue(sender, channel string) uint64 {
	key := ledgerKey{sender, channel}
	l.issued[key]++
	return l.issued[key]
}

// Accept validates an incoming nonce and records it. Fails with
// ErrReplayDetected when the nonce is not strictly above the last
// accepted value, leaving the ledger unchanged.
func (l *NonceLedger) Accept(sender, channel string, nonce uint64) error {
	key := ledgerKey{sender, channel}
	if nonce <= l.accepted[key] {
		return fmt.Errorf("%w: nonce %d, last accepted %d from %q on %q",
			ErrReplayDetected, nonce, l.accepted[key], sender, channel)
	}
	l.accepted[key] = nonce
	return nil
}

// LastAccepted returns the highest accepted nonce for the pair, zero
// when nothing has been accepted.
func (l *NonceLedger) LastAccepted(sender, channel string) uint64 {
	return l.accepted[ledgerKey{sender, channel}]
}

// FreshnessMode selects how message timestamps are policed.
type FreshnessMode uint8

const (
	// Untrusted accepts any creation tick. This is the default: in a
	// single-device bus the clock and the senders share one tick
	// source, so staleness usually signals queue delay, not attack.
	Untrusted FreshnessMode = iota
	// Required rejects messages whose creation tick differs from the
	// current tick by more than the skew tolerance.
	Required
)

// FreshnessPolicy is the timestamp acceptance rule applied during
// routing.
type FreshnessPolicy struct {
	Mode FreshnessMode
	// SkewTicks is the tolerated |now - created| distance in Required
	// mode.
	SkewTicks uint64
}

// Check applies the policy to a message created at created, evaluated
// at now.
func (p FreshnessPolicy) Check(created, now tick.Tick) error {
	if p.Mode == Untrusted {
		return nil
	}
	var skew uint64
	if now >= created {
		skew = uint64(now - created)
	} else {
		skew = uint64(created - now)
	}
	if skew > p.SkewTicks {
		return fmt.Errorf("%w: created %d, now %d, tolerance %d",
			ErrStaleTimestamp, created, now, p.SkewTicks)
	}
	return nil
}

// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the bus message model and its on-wire encoding.
//
// A [Message] travels between modules on the same device, so the wire
// format optimizes for determinism and small hostile-input surface
// rather than throughput: a two-byte envelope (protocol version and
// flags) followed by a CBOR body using Core Deterministic Encoding
// (RFC 8949 §4.2), so the same logical message always produces
// identical bytes. Payloads are lz4 block-compressed when that saves
// space, signalled by an envelope flag and expanded transparently on
// decode.
//
// Integrity comes in three layers: a one-byte wraparound checksum over
// the payload, a one-byte symmetric auth tag binding the checksum to
// the sender's nonce and signing key, and an optional 32-byte keyed
// BLAKE3 signature over channel, nonce, and payload for channels that
// need more than the one-byte tag.
//
// Decode must survive arbitrary bytes: every failure is an error
// return, never a panic.
package wire

// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package seal implements the bus security layer: the key schedule
// that turns the identity stack's shared secret into per-module
// signing keys, the nonce ledger that rejects replays, and the
// timestamp freshness policy.
//
// The shared secret arrives from the TLS/identity subsystem during
// bring-up; this package never negotiates keys itself. Per-module keys
// are derived with HKDF-SHA256 so a leaked module key does not expose
// the secret or any sibling module's key.
package seal

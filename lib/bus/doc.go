// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the inter-module IPC message bus for the device
// runtime: named channels with subscriber sets, a security layer
// (checksums, symmetric auth tags, optional keyed signatures, nonce
// anti-replay, timestamp freshness), priority-aware bounded queues
// with configurable drop policies, TTL expiry with retry/backoff, and
// a per-module resource-quota admission controller.
//
// A Bus is an explicit value constructed with [New] and owned by the
// caller; there is no package-level instance. All operations are
// synchronous and return immediately; time advances only through
// [Bus.Tick], driven by the runtime's tick loop, so behavior is fully
// deterministic under test. One coarse lock inside the Bus makes the
// whole instance safe for concurrent callers; no operation ever
// blocks while holding it.
//
// Data flow: a send variant stamps nonce, checksum, and auth tag,
// passes channel-quota and resource-quota admission, and enqueues
// under the channel's backpressure policy. [Bus.Route] dispatches
// queued, non-expired messages into subscriber inboxes in priority
// order, enforcing the freshness, auth, and anti-replay rules.
// [Bus.Recv] drains a subscriber's inbox in that order.
// [Bus.RetryPending] resubmits unacknowledged retry-enabled sends
// whose backoff has elapsed.
//
// Nothing in this package panics on malformed or hostile input; every
// failure is an error to the immediate caller. The device cannot
// recover from a crash mid-session.
package bus

// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Axon packages.
//
// [Logger] routes slog output into the test log, so bus internals show
// up under `go test -v` and attach to the failing test instead of
// interleaving on stderr.
//
// [UniqueModule] generates monotonically increasing module names for
// test disambiguation. Use it instead of time.Now() when tests need
// sender or subscriber identities that must not collide across cases.
//
// [Payload] generates a deterministic pseudo-random payload from a
// seed, for exercising size bounds and compression behavior without
// embedding blobs in test files.
//
// This package has no Axon-internal dependencies.
package testutil

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
)

var uniqueCounter atomic.Uint64

// UniqueModule returns a string of the form "prefix-N" where N is a
// monotonically increasing integer.
//
//	sender := testutil.UniqueModule("planner") // "planner-1", ...
func UniqueModule(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// Logger returns a debug-level slog logger whose records land in the
// test log.
func Logger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

// Payload returns n deterministic pseudo-random bytes for the seed.
// The same (seed, n) pair always yields the same bytes, and the output
// is incompressible for practical purposes.
func Payload(seed int64, n int) []byte {
	out := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(out)
	return out
}

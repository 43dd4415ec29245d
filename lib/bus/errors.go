// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"

	"github.com/axon-embedded/axon/lib/channel"
	"github.com/axon-embedded/axon/lib/queue"
	"github.com/axon-embedded/axon/lib/seal"
	"github.com/axon-embedded/axon/lib/wire"
)

// The bus error taxonomy. Component errors are re-exported so callers
// test against one package with errors.Is; every validation failure
// reaches the immediate caller, nothing is swallowed.
var (
	ErrVersionMismatch  = wire.ErrVersionMismatch
	ErrPayloadTooLarge  = wire.ErrPayloadTooLarge
	ErrChecksumMismatch = wire.ErrChecksumMismatch
	ErrMissingAuthTag   = wire.ErrMissingAuthTag
	ErrAuthMismatch     = wire.ErrAuthMismatch
	ErrReplayDetected   = seal.ErrReplayDetected
	ErrCapabilityDenied = channel.ErrCapabilityDenied
	ErrQueueFull        = queue.ErrQueueFull
	ErrNotFound         = channel.ErrNotFound

	// ErrUnauthorized is returned when a channel requires auth and no
	// valid tag or signature verifies against the resolved key.
	ErrUnauthorized = errors.New("bus: unauthorized")

	// ErrBusy is returned when admission control defers or denies a
	// send: the channel's send quota is exhausted or the sender module
	// is over its resource budget.
	ErrBusy = errors.New("bus: busy")
)

// Error codes, one per rejection class in the taxonomy.
const (
	CodeVersionMismatch  = "VERSION_MISMATCH"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeMissingAuthTag   = "MISSING_AUTH_TAG"
	CodeAuthMismatch     = "AUTH_MISMATCH"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeReplayDetected   = "REPLAY_DETECTED"
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeQueueFull        = "QUEUE_FULL"
	CodeBusy             = "BUSY"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalid          = "INVALID"
)

// Error is a structured bus error carrying the rejection code and the
// operation that produced it. Callers can use errors.As to extract it:
//
//	var busErr *bus.Error
//	if errors.As(err, &busErr) {
//	    if busErr.Code == bus.CodeBusy { ... }
//	}
//
// Error wraps the underlying sentinel, so errors.Is against ErrBusy,
// ErrQueueFull, and the rest keeps working.
type Error struct {
	// Code classifies the rejection.
	Code string
	// Op is the bus operation that failed ("send", "route", "verify").
	Op string
	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s (%s): %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code string) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Code == code
	}
	return false
}

// codeFor classifies an underlying error into its taxonomy code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersionMismatch
	case errors.Is(err, ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrChecksumMismatch):
		return CodeChecksumMismatch
	case errors.Is(err, ErrMissingAuthTag):
		return CodeMissingAuthTag
	case errors.Is(err, ErrAuthMismatch):
		return CodeAuthMismatch
	case errors.Is(err, ErrReplayDetected):
		return CodeReplayDetected
	case errors.Is(err, ErrUnauthorized), errors.Is(err, seal.ErrStaleTimestamp):
		return CodeUnauthorized
	case errors.Is(err, ErrCapabilityDenied):
		return CodeCapabilityDenied
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInvalid
	}
}

// wrapError attaches the code and operation to a non-nil error.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: codeFor(err), Op: op, Err: err}
}

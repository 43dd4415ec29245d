// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "errors"

var (
	// ErrVersionMismatch is returned when a message's protocol version
	// does not match the bus's configured protocol version. Checked
	// before the CBOR body is parsed, so cross-version messages never
	// reach the decoder.
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")

	// ErrPayloadTooLarge is returned when a payload exceeds the
	// configured maximum.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")

	// ErrChecksumMismatch is returned when a message carries a checksum
	// that does not match the recomputed payload checksum.
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")

	// ErrMissingAuthTag is returned by auth validation when the message
	// carries no auth tag.
	ErrMissingAuthTag = errors.New("wire: missing auth tag")

	// ErrAuthMismatch is returned when the recomputed auth tag does not
	// match the one on the message.
	ErrAuthMismatch = errors.New("wire: auth tag mismatch")

	// ErrSignatureMismatch is returned when the keyed BLAKE3 signature
	// fails verification.
	ErrSignatureMismatch = errors.New("wire: signature mismatch")

	// ErrTruncated is returned when an encoded message is too short to
	// contain the envelope.
	ErrTruncated = errors.New("wire: truncated message")

	// ErrBadEncoding is returned when the CBOR body or the compressed
	// payload cannot be parsed. The underlying decoder error is wrapped.
	ErrBadEncoding = errors.New("wire: malformed message body")
)

// Copyright 2026 The Axon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// ProtocolVersion is the current bus protocol version. Encoded as the
// first envelope byte so cross-version messages are rejected before
// body parsing.
const ProtocolVersion = 1

// envelopeSize is the fixed prefix: one version byte, one flags byte.
const envelopeSize = 2

// Envelope flag bits. Unknown bits fail decoding so future flags are
// never silently ignored by old firmware.
const (
	flagPayloadLZ4 = 0x01
	flagsKnown     = flagPayloadLZ4
)

// compressMin is the payload size below which compression is not
// attempted; the lz4 block header costs more than it saves.
const compressMin = 64

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same logical message
// always produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are ignored for forward
// compatibility; nesting and size limits stay at the library defaults,
// which bound hostile input without configuration.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// body is the CBOR wire body: the message plus the uncompressed
// payload length, present only when the payload travels compressed.
type body struct {
	Message
	RawLen uint32 `cbor:"raw_len,omitempty"`
}

// Codec encodes and decodes messages for one protocol version and
// payload bound. The zero value is not usable; construct with
// NewCodec.
type Codec struct {
	version    uint8
	maxPayload int
}

// NewCodec returns a codec for the given protocol version.
// maxPayload <= 0 selects DefaultMaxPayload.
func NewCodec(version uint8, maxPayload int) Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return Codec{version: version, maxPayload: maxPayload}
}

// MaxPayload returns the configured payload ceiling.
func (c Codec) MaxPayload() int { return c.maxPayload }

// Version returns the protocol version this codec stamps and accepts.
func (c Codec) Version() uint8 { return c.version }

// Validate checks a message against the codec's limits: protocol
// version, payload bound, and, when a checksum is present, the
// recomputed payload checksum.
func (c Codec) Validate(m *Message) error {
	if m.Version != c.version {
		return fmt.Errorf("%w: message version %d, bus version %d",
			ErrVersionMismatch, m.Version, c.version)
	}
	if len(m.Payload) > c.maxPayload {
		return fmt.Errorf("%w: %d bytes, maximum %d",
			ErrPayloadTooLarge, len(m.Payload), c.maxPayload)
	}
	if m.Checksum != nil && *m.Checksum != PayloadChecksum(m.Payload) {
		return ErrChecksumMismatch
	}
	return nil
}

// Encode serializes a message: two-byte envelope followed by the CBOR
// body. The payload is lz4 block-compressed when that shrinks it.
func (c Codec) Encode(m *Message) ([]byte, error) {
	if err := c.Validate(m); err != nil {
		return nil, err
	}

	wireBody := body{Message: *m}
	var flags uint8

	if len(m.Payload) >= compressMin {
		var compressor lz4.Compressor
		compressed := make([]byte, lz4.CompressBlockBound(len(m.Payload)))
		n, err := compressor.CompressBlock(m.Payload, compressed)
		// n == 0 means incompressible; ship the payload raw.
		if err == nil && n > 0 && n < len(m.Payload) {
			wireBody.Payload = compressed[:n]
			wireBody.RawLen = uint32(len(m.Payload))
			flags |= flagPayloadLZ4
		}
	}

	encoded, err := encMode.Marshal(&wireBody)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding message body: %w", err)
	}

	out := make([]byte, 0, envelopeSize+len(encoded))
	out = append(out, m.Version, flags)
	out = append(out, encoded...)
	return out, nil
}

// Decode parses an encoded message. Any malformed input (truncated
// envelope, version mismatch, unknown flags, bad CBOR, oversized or
// corrupt compressed payload) fails with an error; Decode never
// panics.
func (c Codec) Decode(data []byte) (*Message, error) {
	if len(data) < envelopeSize {
		return nil, ErrTruncated
	}
	if data[0] != c.version {
		return nil, fmt.Errorf("%w: wire version %d, bus version %d",
			ErrVersionMismatch, data[0], c.version)
	}
	flags := data[1]
	if flags&^uint8(flagsKnown) != 0 {
		return nil, fmt.Errorf("%w: unknown envelope flags 0x%02x",
			ErrBadEncoding, flags)
	}

	var wireBody body
	if err := decMode.Unmarshal(data[envelopeSize:], &wireBody); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if wireBody.Version != data[0] {
		return nil, fmt.Errorf("%w: envelope version %d, body version %d",
			ErrVersionMismatch, data[0], wireBody.Version)
	}

	message := wireBody.Message
	if flags&flagPayloadLZ4 != 0 {
		rawLen := int(wireBody.RawLen)
		if rawLen <= 0 || rawLen > c.maxPayload {
			return nil, fmt.Errorf("%w: compressed payload claims %d bytes, maximum %d",
				ErrPayloadTooLarge, rawLen, c.maxPayload)
		}
		expanded := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(message.Payload, expanded)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4 payload: %v", ErrBadEncoding, err)
		}
		if n != rawLen {
			return nil, fmt.Errorf("%w: lz4 payload expanded to %d bytes, expected %d",
				ErrBadEncoding, n, rawLen)
		}
		message.Payload = expanded
	}

	if err := c.Validate(&message); err != nil {
		return nil, err
	}
	return &message, nil
}

// File: protocol/codec.go
// Package protocol — pure frame codec, no I/O, no network-specific state.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Parse distinguishes "need more bytes" from "bad frame" instead of
// returning one generic error (spec.md §4.C), and Generate masks on the
// way out instead of expecting pre-masked input, matching spec.md's
// "masking is the generator's responsibility" rule.

package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned by Parse when the buffer does not yet contain
// a complete frame. It is not a protocol violation: callers retain the
// buffer and wait for more bytes (spec.md §4.C: "need more bytes").
var ErrShortBuffer = errors.New("protocol: need more bytes")

// ErrFrameParseFailed is returned by Parse for any malformed frame that is
// not simply incomplete (spec.md §6 error taxonomy: FRAME_PARSE_FAILED).
var ErrFrameParseFailed = errors.New("protocol: frame parse failed")

// Parse decodes a single WebSocket frame from the head of raw. It returns
// the decoded frame, the number of bytes consumed from raw, and an error:
// ErrShortBuffer if raw does not yet hold a complete frame (the caller
// should retain raw and retry once more bytes arrive), ErrFrameParseFailed
// for any other malformed input, or nil on success.
func Parse(raw []byte) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, ErrShortBuffer
	}

	b0, b1 := raw[0], raw[1]
	final := b0&finBit != 0
	rsv := b0 & rsvMask
	opcode := b0 & 0x0F
	masked := b1&maskBit != 0
	length := int64(b1 & lenMask)
	offset := 2

	if !IsValidOpcode(opcode) {
		return nil, 0, ErrFrameParseFailed
	}

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, ErrShortBuffer
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, ErrShortBuffer
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
		if length < 0 {
			return nil, 0, ErrFrameParseFailed
		}
	}

	var mask [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, ErrShortBuffer
		}
		copy(mask[:], raw[offset:offset+4])
		offset += 4
	}

	if IsControlOpcode(opcode) && (length > 125 || !final) {
		// RFC 6455 §5.5: control frames must be final and carry <=125
		// bytes of payload; this is a protocol violation, not a
		// truncated buffer.
		return nil, 0, ErrFrameParseFailed
	}

	if int64(len(raw)-offset) < length {
		return nil, 0, ErrShortBuffer
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:int64(offset)+length])
	if masked {
		unmaskInPlace(payload, mask)
	}
	offset += int(length)

	return &Frame{
		Final:   final,
		RSV:     rsv,
		Opcode:  opcode,
		Masked:  masked,
		Mask:    mask,
		Payload: payload,
	}, offset, nil
}

// Generate serializes f to wire bytes. The length prefix is chosen
// minimally (spec.md §8 "Length encoding minimality"): <=125 bytes uses a
// single length byte, <=65535 uses 126 plus a two-byte length, otherwise
// 127 plus an eight-byte length.
//
// If f.Masked is true and f.Mask is the zero value, Generate fills in a
// fresh random mask and masks the payload on the way out; if f.Mask is
// already non-zero it is used as supplied. Unmasked frames are emitted
// with the payload verbatim.
func Generate(f *Frame) ([]byte, error) {
	plen := len(f.Payload)

	b0 := f.RSV&rsvMask | f.Opcode&0x0F
	if f.Final {
		b0 |= finBit
	}

	var maskFlag byte
	if f.Masked {
		maskFlag = maskBit
	}

	var hdr []byte
	switch {
	case plen <= 125:
		hdr = []byte{b0, byte(plen) | maskFlag}
	case plen <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0] = b0
		hdr[1] = 126 | maskFlag
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
	default:
		hdr = make([]byte, 10)
		hdr[0] = b0
		hdr[1] = 127 | maskFlag
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
	}

	out := make([]byte, 0, len(hdr)+4+plen)
	out = append(out, hdr...)

	if f.Masked {
		mask := f.Mask
		if mask == ([4]byte{}) {
			var err error
			mask, err = randomMask()
			if err != nil {
				return nil, err
			}
		}
		out = append(out, mask[:]...)
		masked := make([]byte, plen)
		copy(masked, f.Payload)
		unmaskInPlace(masked, mask)
		out = append(out, masked...)
	} else {
		out = append(out, f.Payload...)
	}

	return out, nil
}

// unmaskInPlace XORs buf with the repeating 4-byte key. The same operation
// masks and unmasks (RFC 6455 §5.3).
func unmaskInPlace(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeFrame serializes f into a fresh byte slice: the 22-byte fixed
// header (§6.1) followed by f.Payload. The CRC-16 field is computed over
// the header (excluding the CRC field itself) and the payload, so it must
// be the last thing written.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayloadSize)
	}
	if f.Flags&flagReservedMask != 0 {
		return nil, ErrReservedFlags
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Version
	buf[1] = f.Type
	binary.BigEndian.PutUint16(buf[2:4], f.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], f.TimestampMs)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(f.Payload)))
	// buf[10:12] (CRC) filled in below, after the rest of the header.
	binary.BigEndian.PutUint16(buf[12:14], f.Flags)
	copy(buf[14:22], f.HeaderToken[:])
	copy(buf[HeaderSize:], f.Payload)

	crc := crcOver(buf)
	binary.BigEndian.PutUint16(buf[10:12], crc)

	return buf, nil
}

// crcOver computes CRC-16/IBM over a fully-populated frame buffer, skipping
// the 2-byte CRC field itself (bytes 10:12).
func crcOver(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for i, b := range buf {
		if i == 10 || i == 11 {
			continue
		}
		crc = (crc >> 8) ^ crc16IBMTable[byte(crc)^b]
	}
	return crc
}

// PeekHeaderLength inspects a buffered prefix (at least HeaderSize bytes)
// and returns the total frame length (header + payload) encoded in it, so a
// stream reader can decide whether enough bytes are buffered yet to decode
// the whole frame without consuming anything from the source. Returns an
// error if hdr is shorter than HeaderSize.
func PeekHeaderLength(hdr []byte) (int, error) {
	if len(hdr) < HeaderSize {
		return 0, ErrTruncatedFrame
	}
	payloadLen := binary.BigEndian.Uint16(hdr[8:10])
	return HeaderSize + int(payloadLen), nil
}

// DecodeFrame parses a complete frame (header + payload, exactly the length
// PeekHeaderLength would report) and validates it in the order required by
// §4.2: version, then declared length against the buffer actually supplied,
// then CRC-16. HMAC validation is deliberately NOT performed here — it
// requires a session key the codec does not have, and folding it in here
// would make the codec's output depend on something other than its input
// bytes, violating the "pure and deterministic" requirement of §4.2. Callers
// must treat a decoded frame as provisional until they also verify
// f.HeaderToken via crypto.Envelope.VerifyHeaderToken immediately afterward;
// a decoded-but-unauthenticated frame must never be dispatched to the state
// machine.
func DecodeFrame(buf []byte) (Frame, error) {
	var f Frame

	if len(buf) < HeaderSize {
		return f, ErrTruncatedFrame
	}

	version := buf[0]
	if version != ProtocolVersion {
		return f, ErrInvalidVersion
	}

	typ := buf[1]
	if !KnownType(typ) {
		return f, ErrUnknownType
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[8:10]))
	if HeaderSize+payloadLen > len(buf) {
		return f, ErrPayloadTooLarge
	}
	total := HeaderSize + payloadLen
	buf = buf[:total]

	wantCRC := binary.BigEndian.Uint16(buf[10:12])
	gotCRC := crcOver(buf)
	if gotCRC != wantCRC {
		return f, ErrCRCMismatch
	}

	flags := binary.BigEndian.Uint16(buf[12:14])
	if flags&flagReservedMask != 0 {
		return f, ErrReservedFlags
	}

	f.Version = version
	f.Type = typ
	f.Sequence = binary.BigEndian.Uint16(buf[2:4])
	f.TimestampMs = binary.BigEndian.Uint32(buf[4:8])
	f.Flags = flags
	copy(f.HeaderToken[:], buf[14:22])
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), buf[HeaderSize:total]...)
	}

	return f, nil
}

// HeaderPrefix returns the header bytes that the truncated HMAC token
// authenticates: everything in the fixed header up to (but not including)
// the token field itself. Used by both EncodeFrame's caller (to compute the
// token before filling it in) and DecodeFrame's caller (to verify it).
func HeaderPrefix(f Frame) []byte {
	buf := make([]byte, 14)
	buf[0] = f.Version
	buf[1] = f.Type
	binary.BigEndian.PutUint16(buf[2:4], f.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], f.TimestampMs)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(f.Payload)))
	binary.BigEndian.PutUint16(buf[12:14], f.Flags)
	return buf
}

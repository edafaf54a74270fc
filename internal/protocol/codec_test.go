// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"testing"
)

func sampleFrame() Frame {
	f := Frame{
		Version:     ProtocolVersion,
		Type:        TypeData,
		Sequence:    42,
		TimestampMs: 123456,
		Flags:       FlagEncrypted | FlagRequiresACK,
		Payload:     []byte("hello, peercrypt"),
	}
	copy(f.HeaderToken[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	return f
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := sampleFrame()
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(buf) != HeaderSize+len(f.Payload) {
		t.Fatalf("encoded length = %d, want %d", len(buf), HeaderSize+len(f.Payload))
	}

	got, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.Version != f.Version || got.Type != f.Type || got.Sequence != f.Sequence ||
		got.TimestampMs != f.TimestampMs || got.Flags != f.Flags {
		t.Fatalf("decoded fields mismatch: got %+v want %+v", got, f)
	}
	if got.HeaderToken != f.HeaderToken {
		t.Fatalf("header token mismatch: got %x want %x", got.HeaderToken, f.HeaderToken)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, f.Payload)
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	f := sampleFrame()
	f.Payload = nil
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	got, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", got.Payload)
	}
}

func TestEncodeRejectsReservedFlags(t *testing.T) {
	f := sampleFrame()
	f.Flags = 1 << 15
	if _, err := EncodeFrame(f); err != ErrReservedFlags {
		t.Fatalf("expected ErrReservedFlags, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := sampleFrame()
	f.Payload = make([]byte, MaxPayloadSize+1)
	if _, err := EncodeFrame(f); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := DecodeFrame(make([]byte, HeaderSize-1)); err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	f := sampleFrame()
	buf, _ := EncodeFrame(f)
	buf[0] = 0x99
	if _, err := DecodeFrame(buf); err != ErrInvalidVersion {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	f := sampleFrame()
	buf, _ := EncodeFrame(f)
	buf[1] = 0xEE
	if _, err := DecodeFrame(buf); err != ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRejectsDeclaredLengthPastBuffer(t *testing.T) {
	f := sampleFrame()
	buf, _ := EncodeFrame(f)
	buf = buf[:len(buf)-5] // truncate payload without fixing the length field
	if _, err := DecodeFrame(buf); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	f := sampleFrame()
	buf, _ := EncodeFrame(f)
	buf[len(buf)-1] ^= 0xFF // corrupt last payload byte without recomputing CRC
	if _, err := DecodeFrame(buf); err != ErrCRCMismatch {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestDecodeRejectsReservedFlags(t *testing.T) {
	f := sampleFrame()
	buf, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	// Flip a reserved bit directly in the wire buffer and repair the CRC so
	// the frame reaches the flags check.
	buf[12] |= 0x40
	crc := crcOver(buf)
	buf[10] = byte(crc >> 8)
	buf[11] = byte(crc)
	if _, err := DecodeFrame(buf); err != ErrReservedFlags {
		t.Fatalf("expected ErrReservedFlags, got %v", err)
	}
}

func TestPeekHeaderLength(t *testing.T) {
	f := sampleFrame()
	buf, _ := EncodeFrame(f)
	n, err := PeekHeaderLength(buf[:HeaderSize])
	if err != nil {
		t.Fatalf("PeekHeaderLength: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("PeekHeaderLength = %d, want %d", n, len(buf))
	}
}

func TestPeekHeaderLengthRejectsShortPrefix(t *testing.T) {
	if _, err := PeekHeaderLength(make([]byte, 4)); err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestHeaderPrefixStable(t *testing.T) {
	f := sampleFrame()
	a := HeaderPrefix(f)
	b := HeaderPrefix(f)
	if !bytes.Equal(a, b) {
		t.Fatal("HeaderPrefix is not deterministic")
	}
	if len(a) != 14 {
		t.Fatalf("HeaderPrefix length = %d, want 14", len(a))
	}
}

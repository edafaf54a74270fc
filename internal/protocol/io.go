// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFrame reads exactly one frame from r: the fixed header first (to learn
// the payload length), then the payload, buffering nothing beyond what one
// frame requires. This is the stream counterpart to DecodeFrame, satisfying
// §4.2's "partial frames on a stream are buffered without consuming source
// bytes until the full frame is present" by only ever issuing reads sized to
// what has already been declared on the wire.
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, fmt.Errorf("protocol: reading frame header: %w", err)
	}
	total, err := PeekHeaderLength(hdr)
	if err != nil {
		return Frame{}, err
	}

	buf := make([]byte, total)
	copy(buf, hdr)
	if total > HeaderSize {
		if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
			return Frame{}, fmt.Errorf("protocol: reading frame payload: %w", err)
		}
	}
	return DecodeFrame(buf)
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadGossip reads exactly one gossip message from r.
func ReadGossip(r io.Reader) (GossipMessage, error) {
	hdr := make([]byte, GossipHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return GossipMessage{}, fmt.Errorf("protocol: reading gossip header: %w", err)
	}

	switch hdr[1] {
	case GossipPong:
		trailerLenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, trailerLenBuf); err != nil {
			return GossipMessage{}, fmt.Errorf("protocol: reading gossip PONG trailer length: %w", err)
		}
		trailer := make([]byte, trailerLenBuf[0])
		if len(trailer) > 0 {
			if _, err := io.ReadFull(r, trailer); err != nil {
				return GossipMessage{}, fmt.Errorf("protocol: reading gossip PONG trailer: %w", err)
			}
		}
		full := make([]byte, 0, GossipHeaderSize+len(trailerLenBuf)+len(trailer))
		full = append(full, hdr...)
		full = append(full, trailerLenBuf...)
		full = append(full, trailer...)
		return DecodeGossip(full)

	case GossipPeers:
		countBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, countBuf); err != nil {
			return GossipMessage{}, fmt.Errorf("protocol: reading gossip peer count: %w", err)
		}
		count := int(binary.BigEndian.Uint16(countBuf[0:2]))

		entries := make([]byte, count*PeerEntrySize)
		if _, err := io.ReadFull(r, entries); err != nil {
			return GossipMessage{}, fmt.Errorf("protocol: reading gossip entries: %w", err)
		}

		full := make([]byte, 0, GossipHeaderSize+len(countBuf)+len(entries))
		full = append(full, hdr...)
		full = append(full, countBuf...)
		full = append(full, entries...)
		return DecodeGossip(full)

	default:
		return DecodeGossip(hdr)
	}
}

// WriteGossip encodes m and writes it to w in one call.
func WriteGossip(w io.Writer, m GossipMessage) error {
	buf, err := EncodeGossip(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadControl reads exactly one control message from r.
func ReadControl(r io.Reader) (ControlMessage, error) {
	hdr := make([]byte, ControlHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return ControlMessage{}, fmt.Errorf("protocol: reading control header: %w", err)
	}
	paramLen := binary.BigEndian.Uint32(hdr[12:16])

	buf := make([]byte, ControlHeaderSize+int(paramLen))
	copy(buf, hdr)
	if paramLen > 0 {
		if _, err := io.ReadFull(r, buf[ControlHeaderSize:]); err != nil {
			return ControlMessage{}, fmt.Errorf("protocol: reading control parameters: %w", err)
		}
	}
	return DecodeControl(buf)
}

// WriteControl encodes m and writes it to w in one call.
func WriteControl(w io.Writer, m ControlMessage) error {
	buf, err := EncodeControl(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

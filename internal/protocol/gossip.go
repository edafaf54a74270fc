// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Gossip message types (§6.2).
const (
	GossipHello byte = 0x01
	GossipPeers byte = 0x02
	GossipPing  byte = 0x03
	GossipPong  byte = 0x04
	GossipLeave byte = 0x05
)

// GossipHeaderSize is the fixed gossip message header: version(1) type(1)
// reserved(2) source_node_id(4) timestamp(4).
const GossipHeaderSize = 12

// PeerEntrySize is the size of one PEERS-payload entry. §6.2's prose calls
// this "24 bytes each" but its own field list (node_id(4) + ip(16) + port(2)
// + reliability_score(2) + last_seen_ms(4) + reserved(4)) sums to 32; as with
// the frame header discrepancy (see DESIGN.md), the field list is treated as
// authoritative.
const PeerEntrySize = 32

var (
	ErrUnknownGossipType = errors.New("protocol: unknown gossip message type")
	ErrTruncatedGossip   = errors.New("protocol: truncated gossip message")
	ErrPeerCountMismatch = errors.New("protocol: gossip peer_count does not match payload length")
)

// KnownGossipType reports whether t is a defined gossip message type.
func KnownGossipType(t byte) bool {
	switch t {
	case GossipHello, GossipPeers, GossipPing, GossipPong, GossipLeave:
		return true
	default:
		return false
	}
}

// PeerEntry is one row of a PEERS gossip payload: a remote peer's identity,
// address, and the sender's current view of its reliability.
type PeerEntry struct {
	NodeID           uint32
	Addr             net.IP // always represented as 16-byte IPv4-mapped IPv6 on the wire
	Port             uint16
	ReliabilityScore uint16 // Q0.16 fixed point in [0, 1]: score/65535.0
	LastSeenMs       uint32 // sender's last-seen time for this peer: Unix milliseconds truncated to 32 bits
}

// ReliabilityFloat converts the Q0.16 wire value to a float64 in [0, 1].
func (p PeerEntry) ReliabilityFloat() float64 {
	return float64(p.ReliabilityScore) / 65535.0
}

// ReliabilityQ16 converts a [0, 1] float reliability score to its Q0.16
// wire representation, clamping out-of-range input.
func ReliabilityQ16(score float64) uint16 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return uint16(score * 65535.0)
}

// GossipLoadTrailerSize is the length of the load-percent trailer a PONG
// carries when HasLoad is set.
const GossipLoadTrailerSize = 1

// GossipMessage is a fully decoded gossip packet. Peers is populated only for
// GossipPeers messages; it is empty for HELLO/PING/PONG/LEAVE. HasLoad and
// LoadPercent carry the optional one-byte load indicator a PONG may attach
// (SUPPLEMENTED FEATURES item 3). Every PONG carries an explicit one-byte
// trailer-length prefix (0 or GossipLoadTrailerSize) right after the fixed
// header, so a stream reader always knows how many more bytes to read before
// the next message starts — additive in the sense that a peer that never
// reports load just always sends trailer-length 0.
type GossipMessage struct {
	Version      byte
	Type         byte
	SourceNodeID uint32
	TimestampMs  uint32
	Peers        []PeerEntry
	HasLoad      bool
	LoadPercent  uint8
}

// EncodeGossip serializes m to its wire form: the 12-byte header followed,
// for PEERS messages, by peer_count(2) reserved(2) and one 32-byte entry per
// peer; for PONG, by a one-byte trailer length (0, or GossipLoadTrailerSize
// when HasLoad is set) and, if non-zero, the load-percent byte itself.
func EncodeGossip(m GossipMessage) ([]byte, error) {
	if !KnownGossipType(m.Type) {
		return nil, ErrUnknownGossipType
	}
	if len(m.Peers) > 0xFFFF {
		return nil, fmt.Errorf("protocol: too many peer entries (%d)", len(m.Peers))
	}

	var payloadLen int
	switch m.Type {
	case GossipPeers:
		payloadLen = 4 + len(m.Peers)*PeerEntrySize
	case GossipPong:
		payloadLen = 1
		if m.HasLoad {
			payloadLen += GossipLoadTrailerSize
		}
	}

	buf := make([]byte, GossipHeaderSize+payloadLen)
	buf[0] = m.Version
	buf[1] = m.Type
	// buf[2:4] reserved, left zero
	binary.BigEndian.PutUint32(buf[4:8], m.SourceNodeID)
	binary.BigEndian.PutUint32(buf[8:12], m.TimestampMs)

	switch m.Type {
	case GossipPeers:
		binary.BigEndian.PutUint16(buf[12:14], uint16(len(m.Peers)))
		// buf[14:16] reserved, left zero
		off := 16
		for _, p := range m.Peers {
			encodePeerEntry(buf[off:off+PeerEntrySize], p)
			off += PeerEntrySize
		}
	case GossipPong:
		if m.HasLoad {
			buf[GossipHeaderSize] = GossipLoadTrailerSize
			buf[GossipHeaderSize+1] = m.LoadPercent
		}
		// else buf[GossipHeaderSize] stays 0
	}

	return buf, nil
}

func encodePeerEntry(buf []byte, p PeerEntry) {
	binary.BigEndian.PutUint32(buf[0:4], p.NodeID)
	ip16 := p.Addr.To16()
	if ip16 == nil {
		ip16 = make(net.IP, 16)
	}
	copy(buf[4:20], ip16)
	binary.BigEndian.PutUint16(buf[20:22], p.Port)
	binary.BigEndian.PutUint16(buf[22:24], p.ReliabilityScore)
	binary.BigEndian.PutUint32(buf[24:28], p.LastSeenMs)
	// buf[28:32] reserved, left zero
}

func decodePeerEntry(buf []byte) PeerEntry {
	return PeerEntry{
		NodeID:           binary.BigEndian.Uint32(buf[0:4]),
		Addr:             append(net.IP(nil), buf[4:20]...),
		Port:             binary.BigEndian.Uint16(buf[20:22]),
		ReliabilityScore: binary.BigEndian.Uint16(buf[22:24]),
		LastSeenMs:       binary.BigEndian.Uint32(buf[24:28]),
	}
}

// DecodeGossip parses a complete gossip message.
func DecodeGossip(buf []byte) (GossipMessage, error) {
	var m GossipMessage
	if len(buf) < GossipHeaderSize {
		return m, ErrTruncatedGossip
	}

	m.Version = buf[0]
	m.Type = buf[1]
	if !KnownGossipType(m.Type) {
		return m, ErrUnknownGossipType
	}
	m.SourceNodeID = binary.BigEndian.Uint32(buf[4:8])
	m.TimestampMs = binary.BigEndian.Uint32(buf[8:12])

	if m.Type == GossipPong {
		if len(buf) < GossipHeaderSize+1 {
			return m, ErrTruncatedGossip
		}
		trailerLen := int(buf[GossipHeaderSize])
		if trailerLen > 0 {
			if len(buf) < GossipHeaderSize+1+trailerLen {
				return m, ErrTruncatedGossip
			}
			m.HasLoad = true
			m.LoadPercent = buf[GossipHeaderSize+1]
		}
		return m, nil
	}

	if m.Type != GossipPeers {
		return m, nil
	}

	rest := buf[GossipHeaderSize:]
	if len(rest) < 4 {
		return m, ErrTruncatedGossip
	}
	count := int(binary.BigEndian.Uint16(rest[0:2]))
	entries := rest[4:]
	if len(entries) != count*PeerEntrySize {
		return m, ErrPeerCountMismatch
	}

	m.Peers = make([]PeerEntry, count)
	for i := 0; i < count; i++ {
		m.Peers[i] = decodePeerEntry(entries[i*PeerEntrySize : (i+1)*PeerEntrySize])
	}
	return m, nil
}

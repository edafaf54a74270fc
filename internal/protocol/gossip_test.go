// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"net"
	"testing"
)

func TestGossipHelloRoundTrip(t *testing.T) {
	m := GossipMessage{
		Version:      ProtocolVersion,
		Type:         GossipHello,
		SourceNodeID: 0xAABBCCDD,
		TimestampMs:  999,
	}
	buf, err := EncodeGossip(m)
	if err != nil {
		t.Fatalf("EncodeGossip: %v", err)
	}
	if len(buf) != GossipHeaderSize {
		t.Fatalf("HELLO message length = %d, want %d", len(buf), GossipHeaderSize)
	}
	got, err := DecodeGossip(buf)
	if err != nil {
		t.Fatalf("DecodeGossip: %v", err)
	}
	if got.Type != GossipHello || got.SourceNodeID != m.SourceNodeID || got.TimestampMs != m.TimestampMs {
		t.Fatalf("decoded mismatch: got %+v want %+v", got, m)
	}
	if len(got.Peers) != 0 {
		t.Fatalf("expected no peers on HELLO, got %d", len(got.Peers))
	}
}

func TestGossipPeersRoundTrip(t *testing.T) {
	m := GossipMessage{
		Version:      ProtocolVersion,
		Type:         GossipPeers,
		SourceNodeID: 1,
		TimestampMs:  42,
		Peers: []PeerEntry{
			{
				NodeID:           2,
				Addr:             net.ParseIP("192.168.1.10"),
				Port:             9443,
				ReliabilityScore: ReliabilityQ16(0.875),
				LastSeenMs:       555,
			},
			{
				NodeID:           3,
				Addr:             net.ParseIP("::1"),
				Port:             9444,
				ReliabilityScore: ReliabilityQ16(0.0),
				LastSeenMs:       0,
			},
		},
	}

	buf, err := EncodeGossip(m)
	if err != nil {
		t.Fatalf("EncodeGossip: %v", err)
	}
	wantLen := GossipHeaderSize + 4 + len(m.Peers)*PeerEntrySize
	if len(buf) != wantLen {
		t.Fatalf("PEERS message length = %d, want %d", len(buf), wantLen)
	}

	got, err := DecodeGossip(buf)
	if err != nil {
		t.Fatalf("DecodeGossip: %v", err)
	}
	if len(got.Peers) != len(m.Peers) {
		t.Fatalf("decoded %d peers, want %d", len(got.Peers), len(m.Peers))
	}
	for i, p := range got.Peers {
		want := m.Peers[i]
		if p.NodeID != want.NodeID || p.Port != want.Port || p.ReliabilityScore != want.ReliabilityScore || p.LastSeenMs != want.LastSeenMs {
			t.Fatalf("peer %d mismatch: got %+v want %+v", i, p, want)
		}
		if !p.Addr.Equal(want.Addr) {
			t.Fatalf("peer %d addr mismatch: got %v want %v", i, p.Addr, want.Addr)
		}
	}
}

func TestReliabilityQ16Clamps(t *testing.T) {
	if got := ReliabilityQ16(-1); got != 0 {
		t.Fatalf("ReliabilityQ16(-1) = %d, want 0", got)
	}
	if got := ReliabilityQ16(2); got != 65535 {
		t.Fatalf("ReliabilityQ16(2) = %d, want 65535", got)
	}
}

func TestDecodeGossipRejectsUnknownType(t *testing.T) {
	buf := make([]byte, GossipHeaderSize)
	buf[1] = 0xEE
	if _, err := DecodeGossip(buf); err != ErrUnknownGossipType {
		t.Fatalf("expected ErrUnknownGossipType, got %v", err)
	}
}

func TestDecodeGossipRejectsPeerCountMismatch(t *testing.T) {
	m := GossipMessage{Version: ProtocolVersion, Type: GossipPeers, Peers: []PeerEntry{{NodeID: 1}}}
	buf, err := EncodeGossip(m)
	if err != nil {
		t.Fatalf("EncodeGossip: %v", err)
	}
	buf = append(buf, 0) // one stray byte, no longer a whole number of entries
	if _, err := DecodeGossip(buf); err != ErrPeerCountMismatch {
		t.Fatalf("expected ErrPeerCountMismatch, got %v", err)
	}
}

func TestGossipPongRoundTripWithoutLoad(t *testing.T) {
	m := GossipMessage{Version: ProtocolVersion, Type: GossipPong, SourceNodeID: 7, TimestampMs: 123}
	buf, err := EncodeGossip(m)
	if err != nil {
		t.Fatalf("EncodeGossip: %v", err)
	}
	wantLen := GossipHeaderSize + 1
	if len(buf) != wantLen {
		t.Fatalf("PONG message length = %d, want %d", len(buf), wantLen)
	}
	got, err := DecodeGossip(buf)
	if err != nil {
		t.Fatalf("DecodeGossip: %v", err)
	}
	if got.HasLoad {
		t.Fatalf("expected HasLoad = false when not set")
	}
}

func TestGossipPongRoundTripWithLoad(t *testing.T) {
	m := GossipMessage{
		Version:      ProtocolVersion,
		Type:         GossipPong,
		SourceNodeID: 7,
		TimestampMs:  123,
		HasLoad:      true,
		LoadPercent:  42,
	}
	buf, err := EncodeGossip(m)
	if err != nil {
		t.Fatalf("EncodeGossip: %v", err)
	}
	wantLen := GossipHeaderSize + 1 + GossipLoadTrailerSize
	if len(buf) != wantLen {
		t.Fatalf("PONG message length = %d, want %d", len(buf), wantLen)
	}
	got, err := DecodeGossip(buf)
	if err != nil {
		t.Fatalf("DecodeGossip: %v", err)
	}
	if !got.HasLoad || got.LoadPercent != 42 {
		t.Fatalf("decoded = %+v, want HasLoad=true LoadPercent=42", got)
	}
}

func TestReadGossipStreamsPongWithAndWithoutLoad(t *testing.T) {
	var buf bytes.Buffer
	withLoad := GossipMessage{Type: GossipPong, SourceNodeID: 1, TimestampMs: 1, HasLoad: true, LoadPercent: 77}
	withoutLoad := GossipMessage{Type: GossipPong, SourceNodeID: 2, TimestampMs: 2}

	if err := WriteGossip(&buf, withLoad); err != nil {
		t.Fatalf("WriteGossip(withLoad): %v", err)
	}
	if err := WriteGossip(&buf, withoutLoad); err != nil {
		t.Fatalf("WriteGossip(withoutLoad): %v", err)
	}

	got1, err := ReadGossip(&buf)
	if err != nil {
		t.Fatalf("ReadGossip(1): %v", err)
	}
	if !got1.HasLoad || got1.LoadPercent != 77 || got1.SourceNodeID != 1 {
		t.Fatalf("first message = %+v, want HasLoad=true LoadPercent=77 SourceNodeID=1", got1)
	}

	got2, err := ReadGossip(&buf)
	if err != nil {
		t.Fatalf("ReadGossip(2): %v", err)
	}
	if got2.HasLoad || got2.SourceNodeID != 2 {
		t.Fatalf("second message = %+v, want HasLoad=false SourceNodeID=2", got2)
	}
}

func TestDecodeGossipRejectsTruncatedHeader(t *testing.T) {
	if _, err := DecodeGossip(make([]byte, 4)); err != ErrTruncatedGossip {
		t.Fatalf("expected ErrTruncatedGossip, got %v", err)
	}
}

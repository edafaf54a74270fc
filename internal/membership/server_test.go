// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package membership

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/protocol"
)

func TestServeRespondsToInboundPeers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	table := NewTable()
	table.Merge([]protocol.PeerEntry{{NodeID: 99, LastSeenMs: 1}}, time.Now().UnixMilli())

	g := NewGossiper(1, table, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, g, discardLogger()) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	out := protocol.GossipMessage{
		Version:      protocol.ProtocolVersion,
		Type:         protocol.GossipPeers,
		SourceNodeID: 2,
		TimestampMs:  uint32(time.Now().UnixMilli()),
		Peers:        []protocol.PeerEntry{{NodeID: 5, LastSeenMs: uint32(time.Now().UnixMilli())}},
	}
	if err := protocol.WriteGossip(conn, out); err != nil {
		t.Fatalf("WriteGossip: %v", err)
	}

	reply, err := protocol.ReadGossip(conn)
	if err != nil {
		t.Fatalf("ReadGossip: %v", err)
	}
	if reply.Type != protocol.GossipPeers {
		t.Fatalf("reply type = %d, want GossipPeers", reply.Type)
	}

	found := false
	for _, p := range reply.Peers {
		if p.NodeID == 99 {
			found = true
		}
	}
	if !found {
		t.Fatalf("reply peers = %v, want to contain node 99", reply.Peers)
	}

	merged := false
	for _, p := range table.Snapshot() {
		if p.NodeID == 5 {
			merged = true
		}
	}
	if !merged {
		t.Fatalf("snapshot = %v, want node 5 merged from the inbound PEERS message's peer list", table.Snapshot())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve returned error after shutdown: %v", err)
	}
}

func TestServeHandlesPingWithoutReplyLeak(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	g := NewGossiper(1, NewTable(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, ln, g, discardLogger())

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	ping := protocol.GossipMessage{
		Version:      protocol.ProtocolVersion,
		Type:         protocol.GossipPing,
		SourceNodeID: 7,
		TimestampMs:  uint32(time.Now().UnixMilli()),
	}
	if err := protocol.WriteGossip(conn, ping); err != nil {
		t.Fatalf("WriteGossip: %v", err)
	}

	reply, err := protocol.ReadGossip(conn)
	if err != nil {
		t.Fatalf("ReadGossip: %v", err)
	}
	if reply.Type != protocol.GossipPong {
		t.Fatalf("reply type = %d, want GossipPong", reply.Type)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	g := NewGossiper(1, NewTable(), nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, g, discardLogger()) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() = %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package membership

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/protocol"
)

// Dialer opens a connection to a peer, given its address and port. Callers
// typically supply a TLS-wrapping dialer from internal/transport.
type Dialer func(addr string, port uint16) (net.Conn, error)

// Gossiper drives the periodic gossip round for one node on a single
// background goroutine and answers inbound gossip through HandleInbound. A
// failed exchange is recorded against the peer's reliability and is not
// retried within the round; peer state lives in the shared Table. The PING
// health-check loop is HealthChecker's.
type Gossiper struct {
	nodeID uint32
	table  *Table
	dial   Dialer
	logger *slog.Logger

	gossipInterval time.Duration
	fanout         int
	sampleSize     int

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup

	// loadSampler, if set, supplies this node's own load percent (0-100) to
	// attach to outgoing PONGs (SUPPLEMENTED FEATURES item 3). nil means
	// this node never reports load.
	loadSampler func() (percent uint8, ok bool)
}

// SetLoadSampler installs the function Gossiper calls to populate an
// outgoing PONG's optional load trailer. Typically backed by
// transport.LoadSampler's gopsutil-derived system load.
func (g *Gossiper) SetLoadSampler(sampler func() (percent uint8, ok bool)) {
	g.loadSampler = sampler
}

// SetTuning overrides the gossip round interval, fanout, and peer-sample
// size from their §4.3 defaults, typically sourced from
// config.GossipConfig. Must be called before Start.
func (g *Gossiper) SetTuning(interval time.Duration, fanout, sampleSize int) {
	if interval > 0 {
		g.gossipInterval = interval
	}
	if fanout > 0 {
		g.fanout = fanout
	}
	if sampleSize > 0 {
		g.sampleSize = sampleSize
	}
}

// NewGossiper builds a Gossiper with the default tuning from §4.3.
func NewGossiper(nodeID uint32, table *Table, dial Dialer, logger *slog.Logger) *Gossiper {
	return &Gossiper{
		nodeID:         nodeID,
		table:          table,
		dial:           dial,
		logger:         logger.With("component", "gossiper"),
		gossipInterval: DefaultGossipInterval,
		fanout:         DefaultFanout,
		sampleSize:     DefaultSampleSize,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the background gossip loop.
func (g *Gossiper) Start() {
	g.wg.Add(1)
	go g.run()
}

// Stop halts the gossip loop and waits for it to exit.
func (g *Gossiper) Stop() {
	g.stopMu.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *Gossiper) run() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.gossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.round()
		}
	}
}

// round selects up to fanout targets and exchanges a PEERS message with
// each, merging whatever comes back.
func (g *Gossiper) round() {
	targets := g.table.SelectGossipTargets(g.fanout)
	for _, target := range targets {
		if err := g.exchangeWith(target); err != nil {
			g.logger.Warn("gossip exchange failed", "peer", target.NodeID, "error", err)
			g.table.RecordFailure(target.NodeID)
			continue
		}
		g.table.RecordSuccess(target.NodeID)
	}
}

func (g *Gossiper) exchangeWith(target Peer) error {
	conn, err := g.dial(target.Addr.String(), target.Port)
	if err != nil {
		return fmt.Errorf("membership: dialing peer %d: %w", target.NodeID, err)
	}
	defer conn.Close()

	out := protocol.GossipMessage{
		Version:      protocol.ProtocolVersion,
		Type:         protocol.GossipPeers,
		SourceNodeID: g.nodeID,
		TimestampMs:  uint32(time.Now().UnixMilli()),
		Peers:        g.table.SampleForPeers(g.sampleSize),
	}
	if err := protocol.WriteGossip(conn, out); err != nil {
		return fmt.Errorf("membership: sending PEERS to %d: %w", target.NodeID, err)
	}

	reply, err := protocol.ReadGossip(conn)
	if err != nil {
		return fmt.Errorf("membership: reading PEERS reply from %d: %w", target.NodeID, err)
	}
	g.table.Merge(reply.Peers, time.Now().UnixMilli())
	return nil
}

// HandleInbound processes one inbound gossip message received on an
// accepted connection (HELLO, PEERS, PING, PONG, or LEAVE) and, for message
// types that expect a reply, returns the frame to write back. A nil reply
// with a nil error means no reply is required.
func (g *Gossiper) HandleInbound(msg protocol.GossipMessage) (*protocol.GossipMessage, error) {
	now := time.Now().UnixMilli()
	switch msg.Type {
	case protocol.GossipHello:
		g.table.Merge([]protocol.PeerEntry{{NodeID: msg.SourceNodeID, LastSeenMs: uint32(now)}}, now)
		return nil, nil

	case protocol.GossipPeers:
		g.table.Merge(msg.Peers, now)
		reply := protocol.GossipMessage{
			Version:      protocol.ProtocolVersion,
			Type:         protocol.GossipPeers,
			SourceNodeID: g.nodeID,
			TimestampMs:  uint32(now),
			Peers:        g.table.SampleForPeers(g.sampleSize),
		}
		return &reply, nil

	case protocol.GossipPing:
		reply := protocol.GossipMessage{
			Version:      protocol.ProtocolVersion,
			Type:         protocol.GossipPong,
			SourceNodeID: g.nodeID,
			TimestampMs:  msg.TimestampMs,
		}
		if g.loadSampler != nil {
			if percent, ok := g.loadSampler(); ok {
				reply.HasLoad = true
				reply.LoadPercent = percent
			}
		}
		return &reply, nil

	case protocol.GossipPong:
		sample := time.Since(time.UnixMilli(int64(msg.TimestampMs)))
		g.table.RecordRTTSample(msg.SourceNodeID, sample)
		g.table.MarkPingSuccess(msg.SourceNodeID)
		g.table.RecordSuccess(msg.SourceNodeID)
		if msg.HasLoad {
			g.table.SetLoad(msg.SourceNodeID, float64(msg.LoadPercent))
		}
		return nil, nil

	case protocol.GossipLeave:
		g.table.RecordFailure(msg.SourceNodeID)
		return nil, nil

	default:
		return nil, fmt.Errorf("membership: unhandled gossip type %#x", msg.Type)
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package membership

import (
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/protocol"
)

// Table is this node's bounded view of the gossip mesh. It is safe for
// concurrent use.
type Table struct {
	mu    sync.RWMutex
	peers map[uint32]*Peer

	alpha          float64
	beta           float64
	evictionFloor  float64
	maxPingFailures int
}

// NewTable builds an empty peer table using the default reliability tuning
// from §4.3.
func NewTable() *Table {
	return &Table{
		peers:           make(map[uint32]*Peer),
		alpha:           DefaultReliabilityAlpha,
		beta:            DefaultReliabilityBeta,
		evictionFloor:   DefaultEvictionFloor,
		maxPingFailures: DefaultMaxPingFailures,
	}
}

// Merge folds a decoded PEERS or HELLO message's entries into the table.
// New node IDs are added at the reliability score carried on the wire;
// existing entries update last-seen and have their address/port refreshed.
// nowMs is the caller's current wall clock so the table never depends on an
// internal clock read (keeping Merge's effect deterministic given its
// inputs, which the table's tests rely on).
func (t *Table) Merge(entries []protocol.PeerEntry, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entries {
		p, ok := t.peers[e.NodeID]
		if !ok {
			t.peers[e.NodeID] = &Peer{
				NodeID:      e.NodeID,
				Addr:        e.Addr,
				Port:        e.Port,
				Reliability: e.ReliabilityFloat(),
				LastSeenMs:  nowMs,
			}
			continue
		}
		p.Addr = e.Addr
		p.Port = e.Port
		p.LastSeenMs = nowMs
	}
}

// Upsert records (or refreshes) a directly-known peer, such as one learned
// from a HELLO sent to us directly rather than relayed via PEERS.
func (t *Table) Upsert(nodeID uint32, addr net.IP, port uint16, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		t.peers[nodeID] = &Peer{NodeID: nodeID, Addr: addr, Port: port, LastSeenMs: nowMs, Reliability: 0.5}
		return
	}
	p.Addr = addr
	p.Port = port
	p.LastSeenMs = nowMs
}

// RecordSuccess applies the success-side reliability update (§4.3) to nodeID
// after a successful interaction. A no-op if nodeID is unknown.
func (t *Table) RecordSuccess(nodeID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.recordSuccess(t.alpha)
	}
}

// RecordFailure applies the failure-side reliability update (§4.3) to
// nodeID. A no-op if nodeID is unknown.
func (t *Table) RecordFailure(nodeID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.recordFailure(t.beta)
	}
}

// RecordRTTSample folds a fresh RTT observation (e.g. from a PONG) into
// nodeID's smoothed RTT.
func (t *Table) RecordRTTSample(nodeID uint32, sample time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.updateRTT(sample)
	}
}

// HealthCheckTimeout returns the PONG deadline to use for nodeID, or the
// floor if nodeID is unknown.
func (t *Table) HealthCheckTimeout(nodeID uint32) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[nodeID]; ok {
		return p.healthCheckTimeout()
	}
	return DefaultHealthCheckFloor
}

// MarkPingFailure increments nodeID's consecutive-failure counter and
// returns true if it has now crossed the unreachable threshold (3 by
// default). Reliability is updated separately via RecordFailure.
func (t *Table) MarkPingFailure(nodeID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	p.PingFailures++
	if p.PingFailures >= t.maxPingFailures {
		p.Unreachable = true
	}
	return p.Unreachable
}

// MarkPingSuccess clears nodeID's consecutive-failure counter.
func (t *Table) MarkPingSuccess(nodeID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.PingFailures = 0
		p.Unreachable = false
	}
}

// SetLoad records a peer's self-reported system load from a PONG.
func (t *Table) SetLoad(nodeID uint32, percent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.LoadPercent = percent
	}
}

// Evictable reports whether nodeID's reliability has fallen below the
// eviction floor; such peers are still gossiped about (§4.3: "gossip
// continues to disseminate it") but should not be selected as gossip
// targets or connection candidates.
func (t *Table) Evictable(nodeID uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[nodeID]
	return ok && p.Reliability < t.evictionFloor
}

// Snapshot returns a copy of every peer currently known, for callers (e.g.
// the gossip loop) that need a consistent view without holding the table
// lock for the duration of their work.
func (t *Table) Snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// SelectGossipTargets picks up to k peers to gossip with this round,
// uniformly at random from the full view excluding nodes below the
// eviction floor (§4.3: "selects up to k random peers").
func (t *Table) SelectGossipTargets(k int) []Peer {
	candidates := t.Snapshot()
	eligible := candidates[:0]
	for _, p := range candidates {
		if p.Reliability >= t.evictionFloor {
			eligible = append(eligible, p)
		}
	}
	rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	if len(eligible) > k {
		eligible = eligible[:k]
	}
	return eligible
}

// SampleForPeers builds the bounded-size PEERS payload sample (§4.3: "drawn
// preferentially from those with highest reliability and most recent
// last-seen"), capped at maxEntries.
func (t *Table) SampleForPeers(maxEntries int) []protocol.PeerEntry {
	peers := t.Snapshot()
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Reliability != peers[j].Reliability {
			return peers[i].Reliability > peers[j].Reliability
		}
		return peers[i].LastSeenMs > peers[j].LastSeenMs
	})
	if len(peers) > maxEntries {
		peers = peers[:maxEntries]
	}

	out := make([]protocol.PeerEntry, len(peers))
	for i, p := range peers {
		out[i] = protocol.PeerEntry{
			NodeID:           p.NodeID,
			Addr:             p.Addr,
			Port:             p.Port,
			ReliabilityScore: protocol.ReliabilityQ16(p.Reliability),
			LastSeenMs:       uint32(p.LastSeenMs),
		}
	}
	return out
}

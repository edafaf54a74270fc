// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package membership

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/protocol"
)

// HealthChecker periodically PINGs every known peer and marks peers
// unreachable after three consecutive failures (§4.3).
type HealthChecker struct {
	nodeID uint32
	table  *Table
	dial   Dialer
	logger *slog.Logger

	interval time.Duration

	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// NewHealthChecker builds a HealthChecker that pings every peer once per
// interval.
func NewHealthChecker(nodeID uint32, table *Table, dial Dialer, interval time.Duration, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		nodeID:   nodeID,
		table:    table,
		dial:     dial,
		logger:   logger.With("component", "health_checker"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background health-check loop.
func (h *HealthChecker) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop halts the health-check loop and waits for it to exit.
func (h *HealthChecker) Stop() {
	h.stopMu.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *HealthChecker) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkAll()
		}
	}
}

func (h *HealthChecker) checkAll() {
	for _, p := range h.table.Snapshot() {
		p := p
		go h.ping(p)
	}
}

func (h *HealthChecker) ping(p Peer) {
	timeout := p.healthCheckTimeout()

	conn, err := h.dial(p.Addr.String(), p.Port)
	if err != nil {
		h.fail(p.NodeID)
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	sent := time.Now()
	ping := protocol.GossipMessage{
		Version:      protocol.ProtocolVersion,
		Type:         protocol.GossipPing,
		SourceNodeID: h.nodeID,
		TimestampMs:  uint32(sent.UnixMilli()),
	}
	if err := protocol.WriteGossip(conn, ping); err != nil {
		h.fail(p.NodeID)
		return
	}

	pong, err := protocol.ReadGossip(conn)
	if err != nil || pong.Type != protocol.GossipPong || pong.TimestampMs != ping.TimestampMs {
		h.fail(p.NodeID)
		return
	}

	h.table.RecordRTTSample(p.NodeID, time.Since(sent))
	h.table.MarkPingSuccess(p.NodeID)
	h.table.RecordSuccess(p.NodeID)
}

func (h *HealthChecker) fail(nodeID uint32) {
	unreachable := h.table.MarkPingFailure(nodeID)
	h.table.RecordFailure(nodeID)
	if unreachable {
		h.logger.Warn("peer marked unreachable", "node_id", nodeID)
	}
}

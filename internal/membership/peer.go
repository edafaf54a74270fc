// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package membership implements gossip-based peer discovery and health
// tracking (§4.3): a bounded view of known peers, reliability scoring,
// periodic PING/PONG health checks, and exponential-backoff connection
// retry.
package membership

import (
	"net"
	"time"
)

// Default tuning values (§4.3), overridable via config.
const (
	DefaultGossipInterval    = 5 * time.Second
	DefaultFanout            = 3
	DefaultSampleSize        = 32
	DefaultReliabilityAlpha  = 0.1
	DefaultReliabilityBeta   = 0.2
	DefaultEvictionFloor     = 0.1
	DefaultHealthCheckFloor  = 2 * time.Second
	DefaultMaxPingFailures   = 3
	DefaultBackoffInitial    = 100 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
	DefaultMaxRetries        = 3
)

// Peer is this node's view of one other node in the gossip mesh. Only Table
// mutates it, always under Table.mu.
type Peer struct {
	NodeID uint32
	Addr   net.IP
	Port   uint16

	Reliability float64
	LastSeenMs  int64

	SRTT         time.Duration
	srttValid    bool
	PingFailures int
	Unreachable  bool

	// LoadPercent is the peer's self-reported system load, carried in PONG
	// (a supplemented field beyond the base spec; see SPEC_FULL.md).
	LoadPercent float64
}

// recordSuccess applies the asymmetric reliability update on a successful
// interaction (gossip reply, health check, or transfer attempt) and clamps
// the result to [0, 1].
func (p *Peer) recordSuccess(alpha float64) {
	p.Reliability += alpha * (1 - p.Reliability)
	p.clamp()
	p.PingFailures = 0
	p.Unreachable = false
}

// recordFailure applies the reliability decay on a failed interaction and
// clamps the result to [0, 1].
func (p *Peer) recordFailure(beta float64) {
	p.Reliability -= beta * p.Reliability
	p.clamp()
}

func (p *Peer) clamp() {
	if p.Reliability < 0 {
		p.Reliability = 0
	}
	if p.Reliability > 1 {
		p.Reliability = 1
	}
}

// updateRTT smooths SRTT with a sample M using the same EWMA shape as the
// AIMD RTT estimator (§4.5.3), since §4.3 only says "RTT is smoothed" without
// naming a constant; reusing the established α = 0.125 keeps peer RTT and
// transfer RTT estimation consistent across the codebase.
func (p *Peer) updateRTT(sample time.Duration) {
	const alpha = 0.125
	if !p.srttValid {
		p.SRTT = sample
		p.srttValid = true
		return
	}
	p.SRTT = time.Duration((1-alpha)*float64(p.SRTT) + alpha*float64(sample))
}

// healthCheckTimeout returns the PONG deadline for this peer: 3·SRTT, or the
// 2s floor if SRTT has no sample yet.
func (p *Peer) healthCheckTimeout() time.Duration {
	if !p.srttValid {
		return DefaultHealthCheckFloor
	}
	if t := 3 * p.SRTT; t > DefaultHealthCheckFloor {
		return t
	}
	return DefaultHealthCheckFloor
}

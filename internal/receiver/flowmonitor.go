// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"net"
	"time"
)

// flowSampleInterval is how often a flowRotationMonitor samples a session's
// cumulative watermark to compute a throughput tick: a fixed 5s tick,
// independent of the longer eval_window a stream must stay slow for before
// rotation fires.
const flowSampleInterval = 5 * time.Second

// flowRotationMonitor watches one session's Assembler throughput and force-
// closes its connection if it stays below a configured rate for longer than
// eval_window, no more often than every cooldown (SUPPLEMENTED FEATURES item
// 2, generalized from the teacher's evaluateFlowRotation/rotateStream). It
// has no graceful control-channel handshake the way the teacher's
// ControlRotate does — PeerCrypt's wire format has no equivalent message —
// so it always takes the teacher's documented fallback path: closing the
// connection outright. The resulting "connection lost" is indistinguishable
// from any other drop to HandleConnection, which is precisely the point: it
// falls into the same held-session/RESUME path as an ordinary network
// hiccup (SUPPLEMENTED FEATURES item 1), so the sender's existing
// Reconnect/Resume machinery re-establishes the session on a fresh
// connection without the transfer failing.
type flowRotationMonitor struct {
	minMBps    float64
	evalWindow time.Duration
	cooldown   time.Duration

	assembler *Assembler
	chunkSize int64
	conn      net.Conn

	lastBytes  int64
	slowSince  time.Time
	lastRotate time.Time
}

// newFlowRotationMonitor builds a monitor for one session's Assembler,
// sampling the given connection for forced closure when throughput stalls.
func newFlowRotationMonitor(minMBps float64, evalWindow, cooldown time.Duration, assembler *Assembler, chunkSize int64, conn net.Conn) *flowRotationMonitor {
	return &flowRotationMonitor{
		minMBps:    minMBps,
		evalWindow: evalWindow,
		cooldown:   cooldown,
		assembler:  assembler,
		chunkSize:  chunkSize,
		conn:       conn,
	}
}

// run ticks every flowSampleInterval until done is closed, closing m.conn
// at most once if the session's throughput has stayed below minMBps for at
// least evalWindow and at least cooldown has elapsed since the last
// rotation. Intended to run on its own goroutine alongside
// Handler.HandleConnection's frame-reading loop for the same connection.
func (m *flowRotationMonitor) run(done <-chan struct{}) {
	ticker := time.NewTicker(flowSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if m.tick() {
				return
			}
		}
	}
}

// tick samples current progress, updates the slow-streak bookkeeping, and
// closes the connection if rotation is warranted. It reports whether it did
// so (in which case run should stop ticking — the connection is going away
// and HandleConnection will tear this monitor down).
func (m *flowRotationMonitor) tick() bool {
	current := int64(m.assembler.NextExpected()) * m.chunkSize
	delta := current - m.lastBytes
	m.lastBytes = current

	if delta <= 0 {
		// Idle, not slow: a producer-side stall isn't this session's fault
		// to rotate away (mirrors the teacher's "bytes == 0 isn't
		// degradation" rule).
		m.slowSince = time.Time{}
		return false
	}

	mbps := float64(delta) / flowSampleInterval.Seconds() / (1024 * 1024)
	if mbps >= m.minMBps {
		m.slowSince = time.Time{}
		return false
	}

	now := time.Now()
	if m.slowSince.IsZero() {
		m.slowSince = now
		return false
	}
	if now.Sub(m.slowSince) < m.evalWindow {
		return false
	}
	if !m.lastRotate.IsZero() && now.Sub(m.lastRotate) < m.cooldown {
		return false
	}

	m.lastRotate = now
	m.conn.Close()
	return true
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package stats re-architects the teacher's process-wide mutable counters
// (§9 "Global mutable statistics") as an Observer capability injected into
// the coordinator: nothing in this package or in internal/coordinator holds
// package-level mutable state, and any external collaborator — a CLI
// printing progress, a JSONL transfer log, a periodic summary logger —
// subscribes by implementing Observer rather than reading shared globals.
package stats

import "time"

// Observer receives lifecycle notifications for one transfer session.
// Implementations must not block the coordinator for long; a slow sink
// should buffer or drop rather than stall the send/receive loop.
type Observer interface {
	// SessionStarted fires once, immediately before INIT is sent.
	SessionStarted(nonce, peer, policyName, fileName string, size int64)
	// ChunkSent fires after each DATA frame is written (first transmission,
	// not retransmits — those go through ChunkRetransmitted).
	ChunkSent(nonce string, seq uint32, bytes int)
	// ChunkRetransmitted fires on fast retransmit or RTO-expiry resend.
	// reason is "fast_retransmit" or "rto_expiry".
	ChunkRetransmitted(nonce string, seq uint32, reason string)
	// AckReceived fires for every authenticated ACK, duplicate or not.
	AckReceived(nonce string, cumulativeSeq uint32, isDuplicate bool)
	// SessionCompleted fires once the receiver's checksum verdict is a match.
	SessionCompleted(nonce string, bytesSent int64, duration time.Duration)
	// SessionFailed fires on any terminal error: handshake failure, RST,
	// ERROR frame, unrecoverable timeout, or checksum mismatch. reason is a
	// short machine-stable code, not a formatted error string.
	SessionFailed(nonce, reason string, duration time.Duration)
}

// NopObserver discards every notification. It is the coordinator's default
// when Config.Observer is left nil, so Send never needs a nil check.
type NopObserver struct{}

func (NopObserver) SessionStarted(string, string, string, string, int64)  {}
func (NopObserver) ChunkSent(string, uint32, int)                         {}
func (NopObserver) ChunkRetransmitted(string, uint32, string)             {}
func (NopObserver) AckReceived(string, uint32, bool)                     {}
func (NopObserver) SessionCompleted(string, int64, time.Duration)        {}
func (NopObserver) SessionFailed(string, string, time.Duration)          {}

// MultiObserver fans one session's notifications out to several Observers,
// e.g. a live CLI progress printer and a persistent TransferLog at once —
// the same fan-out idea as the teacher's session logger fanning one stream
// of log records out to several slog handlers.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver builds a MultiObserver over obs, skipping any nil entries.
func NewMultiObserver(obs ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return &MultiObserver{observers: filtered}
}

func (m *MultiObserver) SessionStarted(nonce, peer, policyName, fileName string, size int64) {
	for _, o := range m.observers {
		o.SessionStarted(nonce, peer, policyName, fileName, size)
	}
}

func (m *MultiObserver) ChunkSent(nonce string, seq uint32, bytes int) {
	for _, o := range m.observers {
		o.ChunkSent(nonce, seq, bytes)
	}
}

func (m *MultiObserver) ChunkRetransmitted(nonce string, seq uint32, reason string) {
	for _, o := range m.observers {
		o.ChunkRetransmitted(nonce, seq, reason)
	}
}

func (m *MultiObserver) AckReceived(nonce string, cumulativeSeq uint32, isDuplicate bool) {
	for _, o := range m.observers {
		o.AckReceived(nonce, cumulativeSeq, isDuplicate)
	}
}

func (m *MultiObserver) SessionCompleted(nonce string, bytesSent int64, duration time.Duration) {
	for _, o := range m.observers {
		o.SessionCompleted(nonce, bytesSent, duration)
	}
}

func (m *MultiObserver) SessionFailed(nonce, reason string, duration time.Duration) {
	for _, o := range m.observers {
		o.SessionFailed(nonce, reason, duration)
	}
}

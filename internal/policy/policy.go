// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package policy implements the six pluggable transmission policies (§4.5):
// Normal, Token Bucket, AIMD, QoS, Parallel, and Multicast. Every policy
// implements the shared send-step contract from §4.5: given the session's
// outstanding-ACK set and the next chunk's size, decide whether to transmit
// now, schedule transmission for a later wall-clock instant, or wait for an
// ACK to arrive.
package policy

import (
	"time"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// Action is what a Policy decided for the current send step.
type Action int

const (
	// SendNow transmits the next chunk immediately.
	SendNow Action = iota
	// SendAt schedules transmission for Decision.At.
	SendAt
	// WaitForAck suspends the sender until the outstanding set shrinks.
	WaitForAck
)

// Decision is the outcome of one Policy.Step call.
type Decision struct {
	Action Action
	At     time.Time // meaningful only when Action == SendAt
}

// AckInfo describes one received ACK, used by policies (AIMD in particular)
// to drive congestion control and RTT estimation.
type AckInfo struct {
	// CumulativeSeq is the highest sequence number this ACK confirms.
	CumulativeSeq uint32
	// IsDuplicate is true if CumulativeSeq did not advance past the
	// previous ACK's cumulative sequence.
	IsDuplicate bool
	// TimestampEchoMs is the echoed send timestamp, used for an RTT sample;
	// zero if the ACK carries no usable timestamp echo.
	TimestampEchoMs uint32
	// Now is the receipt wall-clock time, supplied by the caller so the
	// policy's RTT math never depends on an internal clock read.
	Now time.Time
}

// Policy is the shared send-step contract every transmission mode
// implements.
type Policy interface {
	// Step decides what to do for the next unsent chunk of nextChunkSize
	// bytes, given the session's current outstanding-ACK set.
	Step(outstanding *transfer.OutstandingSet, nextChunkSize int, now time.Time) Decision

	// OnAck updates the policy's internal state (congestion window, token
	// bucket, RTT estimator) in response to a received ACK.
	OnAck(info AckInfo)

	// Name identifies the policy for logging and FILE_INFO/mode-change
	// negotiation (§6.3).
	Name() string
}

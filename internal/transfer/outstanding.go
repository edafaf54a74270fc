// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package transfer

import "sync"

// OutstandingSet tracks chunk sequence numbers sent but not yet
// cumulative-ACKed. Its size must never exceed the policy's current
// cwnd/chunk_size (§4.4, §5); policies consult Len before deciding to send.
type OutstandingSet struct {
	mu  sync.Mutex
	set map[uint32]struct{}
}

// NewOutstandingSet creates an empty OutstandingSet.
func NewOutstandingSet() *OutstandingSet {
	return &OutstandingSet{set: make(map[uint32]struct{})}
}

// Add records seq as sent and awaiting ACK.
func (o *OutstandingSet) Add(seq uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.set[seq] = struct{}{}
}

// AckThrough removes every outstanding sequence ≤ cumulativeSeq, modeling a
// cumulative ACK's effect on the outstanding set.
func (o *OutstandingSet) AckThrough(cumulativeSeq uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for seq := range o.set {
		if seq <= cumulativeSeq {
			delete(o.set, seq)
		}
	}
}

// Len reports how many chunks are currently outstanding.
func (o *OutstandingSet) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.set)
}

// Lowest returns the smallest outstanding sequence number and true, or
// (0, false) if the set is empty. Used by fast retransmit and RTO expiry,
// both of which retransmit "the lowest un-ACKed chunk" (§4.5.3).
func (o *OutstandingSet) Lowest() (uint32, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var lowest uint32
	found := false
	for seq := range o.set {
		if !found || seq < lowest {
			lowest = seq
			found = true
		}
	}
	return lowest, found
}

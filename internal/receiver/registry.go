// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"sync"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// DefaultResumeRetention bounds how long a dropped session's in-memory
// reassembly state is held waiting for a RESUME INIT before it is discarded
// like any other abandoned transfer. Mid-session resume (SUPPLEMENTED
// FEATURES item 1) only ever spans this one process's lifetime — §6.4's
// "no cross-process session resumption" still holds.
const DefaultResumeRetention = 2 * time.Minute

// heldSession is the state a dropped connection's HandleConnection leaves
// behind for a later RESUME INIT to pick back up: the same Assembler (so
// next_expected and any buffered out-of-order chunks survive the
// reconnect), not a fresh one.
type heldSession struct {
	assembler *Assembler
	outPath   string
	sess      *transfer.Session
	chunkSize int
	checksum  [32]byte
	heldAt    time.Time
}

// SessionRegistry holds sessions that a dropped connection left mid-TRANSFER,
// keyed by session_nonce, so a reconnecting sender's RESUME INIT (§4.4,
// SUPPLEMENTED FEATURES item 1) is recognized as a continuation rather than
// a new transfer. One Handler owns one SessionRegistry, shared across every
// connection it accepts — sessions move in and out of it as connections
// drop and reconnect.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*heldSession
}

// NewSessionRegistry builds an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*heldSession)}
}

// hold registers nonce's session state for possible resumption, replacing
// any earlier entry for the same nonce.
func (r *SessionRegistry) hold(nonce string, hs *heldSession) {
	hs.heldAt = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[nonce] = hs
}

// takeOver removes and returns nonce's held session, handing ownership back
// to the caller that will drive it over the new connection. A second
// RESUME INIT for the same nonce that arrives before the first is re-held
// therefore finds nothing and is rejected, rather than two connections
// racing over one Assembler.
func (r *SessionRegistry) takeOver(nonce string) (*heldSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.sessions[nonce]
	if ok {
		delete(r.sessions, nonce)
	}
	return hs, ok
}

// discard removes nonce's held session, if any, and deletes its partial
// output — used when a held session is abandoned outright (e.g. the
// receiver is shutting down) rather than resumed.
func (r *SessionRegistry) discard(nonce string) {
	r.mu.Lock()
	hs, ok := r.sessions[nonce]
	if ok {
		delete(r.sessions, nonce)
	}
	r.mu.Unlock()
	if ok {
		hs.assembler.Cleanup(hs.outPath)
	}
}

// DiscardAll discards every currently held session and deletes its partial
// output, used when the receiver process is shutting down rather than
// waiting out Sweep's normal retention window.
func (r *SessionRegistry) DiscardAll() {
	r.mu.Lock()
	nonces := make([]string, 0, len(r.sessions))
	for nonce := range r.sessions {
		nonces = append(nonces, nonce)
	}
	r.mu.Unlock()
	for _, nonce := range nonces {
		r.discard(nonce)
	}
}

// Sweep discards every session held longer than ttl without a RESUME INIT
// arriving, deleting its partial output. Call periodically (e.g. every
// ttl/2) from a background goroutine for the lifetime of the receiver
// process; a sender that never reconnects should not pin a staging file
// forever.
func (r *SessionRegistry) Sweep(ttl time.Duration) {
	now := time.Now()
	var stale []*heldSession
	r.mu.Lock()
	for nonce, hs := range r.sessions {
		if now.Sub(hs.heldAt) > ttl {
			stale = append(stale, hs)
			delete(r.sessions, nonce)
		}
	}
	r.mu.Unlock()
	for _, hs := range stale {
		hs.assembler.Cleanup(hs.outPath)
	}
}

// Len reports how many sessions are currently held awaiting resumption.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of one tracked session, used by Reporter
// and by any external collaborator (e.g. a status CLI command) that wants
// the current set of in-flight sessions without implementing Observer.
type Snapshot struct {
	Nonce      string
	Peer       string
	PolicyName string
	FileName   string
	Size       int64
	BytesSent  int64
	StartedAt  time.Time
}

// Registry tracks in-flight sessions so a periodic Reporter can summarize
// them, the way the teacher's Scheduler tracks running Jobs for
// StatsReporter to enumerate. Registry itself implements Observer so a
// Coordinator can report into it directly, or it can sit inside a
// MultiObserver alongside a TransferLog and a CLI printer.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Snapshot
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Snapshot)}
}

func (r *Registry) SessionStarted(nonce, peer, policyName, fileName string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[nonce] = &Snapshot{
		Nonce:      nonce,
		Peer:       peer,
		PolicyName: policyName,
		FileName:   fileName,
		Size:       size,
		StartedAt:  time.Now(),
	}
}

func (r *Registry) ChunkSent(nonce string, seq uint32, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[nonce]; ok {
		s.BytesSent += int64(n)
	}
}

func (r *Registry) ChunkRetransmitted(string, uint32, string) {}
func (r *Registry) AckReceived(string, uint32, bool)          {}

func (r *Registry) SessionCompleted(nonce string, bytesSent int64, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nonce)
}

func (r *Registry) SessionFailed(nonce, reason string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nonce)
}

// Active returns a snapshot of every currently in-flight session.
func (r *Registry) Active() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// Len reports how many sessions are currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

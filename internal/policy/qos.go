// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"sync"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// Priority levels for QoS scheduling (§4.5.4).
type Priority int

const (
	PriorityNormal  Priority = 1
	PriorityHigh    Priority = 2
	PriorityHighest Priority = 3
)

// DefaultWeights gives each priority level its default share of send
// opportunities (1:2:3, per §4.5.4).
var DefaultWeights = map[Priority]int{
	PriorityNormal:  1,
	PriorityHigh:    2,
	PriorityHighest: 3,
}

// QoSScheduler allocates send opportunities across multiple sessions
// sharing one process, proportionally to each session's fixed priority
// weight, FIFO within a level. It is the process-wide complement to the
// per-session Policy implementations above: a session registered here still
// uses (typically) Normal or AIMD for its own window/pacing behavior, while
// QoSScheduler decides which registered session gets to take its next send
// step.
type QoSScheduler struct {
	mu      sync.Mutex
	reg     []*qosEntry
	weights map[Priority]int
}

type qosEntry struct {
	sessionID string
	priority  Priority
	weight    int
	current   int // smooth weighted round-robin counter (Nginx-style)
}

// NewQoSScheduler creates an empty scheduler. Weights default to
// DefaultWeights for any priority not present in weights.
func NewQoSScheduler(weights map[Priority]int) *QoSScheduler {
	if weights == nil {
		weights = DefaultWeights
	}
	return &QoSScheduler{weights: weights}
}

// Register adds a session at the given fixed priority (assigned at
// initiation, per §4.5.4 — a session's priority never changes thereafter).
func (q *QoSScheduler) Register(sessionID string, priority Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	weight := q.weights[priority]
	if weight <= 0 {
		weight = DefaultWeights[priority]
	}
	if weight <= 0 {
		weight = 1
	}
	q.reg = append(q.reg, &qosEntry{sessionID: sessionID, priority: priority, weight: weight})
}

// Unregister removes a completed or errored session from scheduling.
func (q *QoSScheduler) Unregister(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.reg {
		if e.sessionID == sessionID {
			q.reg = append(q.reg[:i], q.reg[i+1:]...)
			return
		}
	}
}

// Next returns the session ID that should take the next send opportunity.
// It uses the smooth weighted round-robin algorithm (as used by Nginx's
// upstream balancer): every entry's running counter increases by its weight
// each call, the entry with the highest counter is selected and has the sum
// of all weights subtracted from its counter. Over time each session's share
// of opportunities converges exactly to weight / total_weight (§4.5.4:
// "allocates send opportunities proportionally to weights"), and same-weight
// ties resolve in registration order because Register appends in FIFO order
// and ties are broken by first-seen index.
func (q *QoSScheduler) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.reg) == 0 {
		return "", false
	}

	total := 0
	best := -1
	for i, e := range q.reg {
		e.current += e.weight
		total += e.weight
		if best == -1 || e.current > q.reg[best].current {
			best = i
		}
	}

	q.reg[best].current -= total
	return q.reg[best].sessionID, true
}

// sendStepPassthrough lets QoS-scheduled sessions still defer to their own
// underlying Policy (Normal by default) for window bounding, matching §4.5.4
// ("the scheduler allocates send opportunities"; it does not replace a
// session's own window/pacing contract).
type sendStepPassthrough struct {
	priority Priority
	inner    Policy
}

// NewQoSSession wraps an existing policy so it also reports a fixed QoS
// priority for the scheduler's bookkeeping.
func NewQoSSession(priority Priority, inner Policy) Policy {
	return &sendStepPassthrough{priority: priority, inner: inner}
}

func (s *sendStepPassthrough) Name() string { return "qos:" + s.inner.Name() }

func (s *sendStepPassthrough) Step(outstanding *transfer.OutstandingSet, nextChunkSize int, now time.Time) Decision {
	return s.inner.Step(outstanding, nextChunkSize, now)
}

func (s *sendStepPassthrough) OnAck(info AckInfo) {
	s.inner.OnAck(info)
}

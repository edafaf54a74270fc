// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import "testing"

func TestQoSSchedulerFavorsHigherPriority(t *testing.T) {
	q := NewQoSScheduler(nil)
	q.Register("low", PriorityNormal)
	q.Register("high", PriorityHighest)

	counts := map[string]int{}
	for i := 0; i < 60; i++ {
		id, ok := q.Next()
		if !ok {
			t.Fatal("expected a session to be scheduled")
		}
		counts[id]++
	}

	if counts["high"] <= counts["low"] {
		t.Fatalf("expected highest-priority session to get more opportunities: %+v", counts)
	}
	ratio := float64(counts["high"]) / float64(counts["low"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Fatalf("priority ratio = %v, want roughly 3:1 (weights 3 vs 1)", ratio)
	}
}

func TestQoSSchedulerEmpty(t *testing.T) {
	q := NewQoSScheduler(nil)
	if _, ok := q.Next(); ok {
		t.Fatal("expected no session scheduled on an empty scheduler")
	}
}

func TestQoSSchedulerUnregister(t *testing.T) {
	q := NewQoSScheduler(nil)
	q.Register("a", PriorityNormal)
	q.Unregister("a")
	if _, ok := q.Next(); ok {
		t.Fatal("expected no session scheduled after unregistering the only one")
	}
}

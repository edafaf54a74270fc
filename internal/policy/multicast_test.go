// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"testing"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

func TestMulticastAggregateProgressTracksSlowestEndpoint(t *testing.T) {
	m := NewMulticast([]string{"fast", "slow"}, []Policy{&Normal{}, &Normal{}})

	m.Endpoints[0].Session.AdvanceNextExpected(100)
	m.Endpoints[1].Session.AdvanceNextExpected(20)

	if got := m.AggregateProgress(); got != 20 {
		t.Fatalf("AggregateProgress = %d, want 20 (slowest endpoint)", got)
	}

	m.Endpoints[1].Session.AdvanceNextExpected(100)
	if got := m.AggregateProgress(); got != 100 {
		t.Fatalf("AggregateProgress = %d, want 100 once both endpoints catch up", got)
	}
}

func TestMulticastAggregateProgressIgnoresFailedEndpoints(t *testing.T) {
	m := NewMulticast([]string{"ok", "dead"}, []Policy{&Normal{}, &Normal{}})
	m.Endpoints[0].Session.AdvanceNextExpected(50)
	m.Endpoints[1].Session.AdvanceNextExpected(1)
	m.Endpoints[1].Failed = true

	if got := m.AggregateProgress(); got != 50 {
		t.Fatalf("AggregateProgress = %d, want 50 once the lagging endpoint is marked failed", got)
	}
}

func TestMulticastAllDoneRequiresEveryLiveEndpoint(t *testing.T) {
	m := NewMulticast([]string{"a", "b"}, []Policy{&Normal{}, &Normal{}})
	if m.AllDone() {
		t.Fatal("AllDone true before any endpoint completes")
	}

	complete := func(s *transfer.Session) {
		mustFire(t, s, transfer.EventInitiateSend)
		mustFire(t, s, transfer.EventAckOfInit)
		mustFire(t, s, transfer.EventLastChunkAcked)
		mustFire(t, s, transfer.EventValidationSuccess)
	}

	complete(m.Endpoints[0].Session)
	if m.AllDone() {
		t.Fatal("AllDone true with only one of two endpoints complete")
	}
	complete(m.Endpoints[1].Session)
	if !m.AllDone() {
		t.Fatal("AllDone false once every endpoint reached COMPLETED")
	}
}

func TestMulticastAllDoneSkipsFailedEndpoints(t *testing.T) {
	m := NewMulticast([]string{"a", "b"}, []Policy{&Normal{}, &Normal{}})
	mustFire(t, m.Endpoints[0].Session, transfer.EventInitiateSend)
	mustFire(t, m.Endpoints[0].Session, transfer.EventAckOfInit)
	mustFire(t, m.Endpoints[0].Session, transfer.EventLastChunkAcked)
	mustFire(t, m.Endpoints[0].Session, transfer.EventValidationSuccess)

	m.Endpoints[1].Failed = true

	if !m.AllDone() {
		t.Fatal("AllDone false when the only non-failed endpoint is complete")
	}
}

func TestMulticastOutcomesReportsPerEndpointState(t *testing.T) {
	m := NewMulticast([]string{"a", "b"}, []Policy{&Normal{}, &Normal{}})
	mustFire(t, m.Endpoints[0].Session, transfer.EventInitiateSend)
	mustFire(t, m.Endpoints[0].Session, transfer.EventAckOfInit)
	mustFire(t, m.Endpoints[0].Session, transfer.EventLastChunkAcked)
	mustFire(t, m.Endpoints[0].Session, transfer.EventValidationSuccess)

	mustFire(t, m.Endpoints[1].Session, transfer.EventInitiateSend)
	mustFire(t, m.Endpoints[1].Session, transfer.EventTimeout)

	outcomes := m.Outcomes()
	if outcomes["a"] != "COMPLETED" {
		t.Fatalf("outcomes[a] = %q, want COMPLETED", outcomes["a"])
	}
	if outcomes["b"] != "ERROR" {
		t.Fatalf("outcomes[b] = %q, want ERROR", outcomes["b"])
	}
}

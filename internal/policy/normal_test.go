// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"testing"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

func TestNormalWaitsAtWindowBound(t *testing.T) {
	n := &Normal{Window: 2}
	out := transfer.NewOutstandingSet()

	if got := n.Step(out, 0, time.Now()).Action; got != SendNow {
		t.Fatalf("Step with empty window = %v, want SendNow", got)
	}
	out.Add(1)
	if got := n.Step(out, 0, time.Now()).Action; got != SendNow {
		t.Fatalf("Step below window bound = %v, want SendNow", got)
	}
	out.Add(2)
	if got := n.Step(out, 0, time.Now()).Action; got != WaitForAck {
		t.Fatalf("Step at window bound = %v, want WaitForAck", got)
	}
}

func TestNormalDefaultWindowFallback(t *testing.T) {
	n := &Normal{}
	out := transfer.NewOutstandingSet()
	for i := uint32(0); i < DefaultWindow-1; i++ {
		out.Add(i)
	}
	if got := n.Step(out, 0, time.Now()).Action; got != SendNow {
		t.Fatalf("Step below default window = %v, want SendNow", got)
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package transfer

import "testing"

func TestOutstandingAckThrough(t *testing.T) {
	o := NewOutstandingSet()
	for _, seq := range []uint32{1, 2, 3, 4} {
		o.Add(seq)
	}
	o.AckThrough(2)
	if o.Len() != 2 {
		t.Fatalf("Len = %d, want 2", o.Len())
	}
	if lowest, ok := o.Lowest(); !ok || lowest != 3 {
		t.Fatalf("Lowest = (%d, %v), want (3, true)", lowest, ok)
	}
}

func TestOutstandingLowestEmpty(t *testing.T) {
	o := NewOutstandingSet()
	if _, ok := o.Lowest(); ok {
		t.Fatal("expected Lowest to report false on an empty set")
	}
}

func TestOutstandingAckThroughAll(t *testing.T) {
	o := NewOutstandingSet()
	o.Add(1)
	o.Add(2)
	o.AckThrough(100)
	if o.Len() != 0 {
		t.Fatalf("Len = %d, want 0", o.Len())
	}
}

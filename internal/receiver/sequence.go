// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package receiver implements the receiving side of a transfer session
// (§4.6): INIT validation, chunk reassembly at byte offsets, a capped
// out-of-order buffer, file-level integrity verification, and the
// accept-loop server that dispatches inbound connections to it.
package receiver

// SeqExpander reconstructs the monotonically increasing chunk sequence space
// from the wire's 16-bit sequence field, which wraps at 65536 (§6.1). It
// assumes sequences arrive close to in-order (true for every policy in this
// system: even out-of-order delivery is bounded by the congestion window),
// so the wire value nearest the last expanded value — forward or backward —
// is always the correct interpretation.
type SeqExpander struct {
	last  uint32
	ready bool
}

// Expand maps a wire sequence number to its expanded uint32 value, choosing
// whichever 65536-wide epoch keeps it nearest the previously expanded value.
func (e *SeqExpander) Expand(wire uint16) uint32 {
	if !e.ready {
		e.ready = true
		e.last = uint32(wire)
		return e.last
	}

	lastLow := uint16(e.last)
	delta := int32(wire) - int32(lastLow)
	if delta > 0x7FFF {
		delta -= 0x10000
	} else if delta < -0x7FFF {
		delta += 0x10000
	}

	expanded := int64(e.last) + int64(delta)
	if expanded < 0 {
		expanded = 0
	}
	result := uint32(expanded)
	if result > e.last {
		e.last = result
	}
	return result
}

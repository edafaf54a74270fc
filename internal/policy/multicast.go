// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import "github.com/nishisan-dev/peercrypt/internal/transfer"

// Endpoint is one Multicast destination: an independent unicast sub-session
// sharing the encryption key and chunk iterator with every other endpoint
// (§4.5.6).
type Endpoint struct {
	Address     string
	Session     *transfer.Session
	Outstanding *transfer.OutstandingSet
	Inner       Policy

	// Failed is set once this endpoint's sub-session reaches ERROR. A
	// failure here does not fail the others (§4.5.6).
	Failed bool
}

// Multicast fans a single file out to a set of destination endpoints, each
// driven by its own Policy (commonly Normal or Token Bucket, to model a
// deliberately slow endpoint as in scenario S5).
type Multicast struct {
	Endpoints []*Endpoint
}

// NewMulticast builds a Multicast session with one endpoint per address,
// each paired with its own per-endpoint policy.
func NewMulticast(addresses []string, inner []Policy) *Multicast {
	endpoints := make([]*Endpoint, len(addresses))
	for i, addr := range addresses {
		endpoints[i] = &Endpoint{
			Address:     addr,
			Session:     transfer.NewSession(),
			Outstanding: transfer.NewOutstandingSet(),
			Inner:       inner[i],
		}
	}
	return &Multicast{Endpoints: endpoints}
}

// AggregateProgress returns the lowest next_expected watermark across every
// still-live endpoint: "aggregate progress advances only when the slowest
// sub-session ACKs" (§4.5.6).
func (m *Multicast) AggregateProgress() uint32 {
	var lowest uint32
	first := true
	for _, e := range m.Endpoints {
		if e.Failed {
			continue
		}
		w := e.Session.NextExpected()
		if first || w < lowest {
			lowest = w
			first = false
		}
	}
	return lowest
}

// AllDone reports whether every non-failed endpoint has reached COMPLETED.
func (m *Multicast) AllDone() bool {
	for _, e := range m.Endpoints {
		if e.Failed {
			continue
		}
		if e.Session.State() != transfer.StateCompleted {
			return false
		}
	}
	return true
}

// Outcomes reports each endpoint's final address and terminal state, for the
// per-endpoint outcome report §4.5.6 requires.
func (m *Multicast) Outcomes() map[string]string {
	out := make(map[string]string, len(m.Endpoints))
	for _, e := range m.Endpoints {
		out[e.Address] = e.Session.State().String()
	}
	return out
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"time"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// DefaultWindow is the default bounded sliding window size for Normal (§4.5.1).
const DefaultWindow = 8

// Normal streams chunks back-to-back with no pacing, bounded only by a fixed
// sliding window of outstanding ACKs. It has no congestion response beyond
// the coordinator's own terminal-ERROR-on-timeout handling.
type Normal struct {
	Window int
}

// NewNormal builds a Normal policy with the default window size.
func NewNormal() *Normal {
	return &Normal{Window: DefaultWindow}
}

func (n *Normal) Name() string { return "normal" }

func (n *Normal) Step(outstanding *transfer.OutstandingSet, _ int, _ time.Time) Decision {
	window := n.Window
	if window <= 0 {
		window = DefaultWindow
	}
	if outstanding.Len() >= window {
		return Decision{Action: WaitForAck}
	}
	return Decision{Action: SendNow}
}

func (n *Normal) OnAck(AckInfo) {
	// Normal has no congestion state to update; the outstanding set itself,
	// managed by the coordinator, is what bounds concurrency.
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"sync"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// AIMD tuning defaults (§4.5.3).
const (
	DefaultMinWindow       = 4 * 1024
	DefaultMaxWindow       = 64 * 1024
	DefaultInitialWindow   = 16 * 1024
	DefaultChunkSizeGrid   = 1024
	DefaultDupAckThreshold = 3
	DefaultMinRTO          = 200 * time.Millisecond
	DefaultMaxRTO          = 60 * time.Second
)

// AIMDConfig tunes an AIMD policy instance; zero-valued fields fall back to
// the §4.5.3 defaults in NewAIMD.
type AIMDConfig struct {
	MinWindow       int
	MaxWindow       int
	InitialWindow   int
	DupAckThreshold int
	MinRTO          time.Duration
	MaxRTO          time.Duration

	// DisableFastRetransmit and DisableTimeoutRetransmit let either loss
	// detection mechanism be turned off independently (§4.5.3: "if both are
	// disabled the mode degrades to Normal with window bounding").
	DisableFastRetransmit    bool
	DisableTimeoutRetransmit bool
}

// AIMD implements additive-increase/multiplicative-decrease congestion
// control with RFC 6298 (Jacobson/Karels) RTT estimation, slow start,
// congestion avoidance, triple-duplicate-ACK fast retransmit, and RTO-expiry
// retransmit.
type AIMD struct {
	mu sync.Mutex

	cfg AIMDConfig

	cwnd     float64 // bytes; float to let congestion-avoidance's fractional growth accumulate
	ssthresh float64 // bytes

	// chunkSize is the grid unit window math rounds to: the actual
	// per-DATA-frame size the coordinator is sending, kept current by every
	// Step call's nextChunkSize argument (§3 invariant (d), §8 property 4).
	// It starts at DefaultChunkSizeGrid so OnAck/ExpireRTO behave sanely even
	// if they somehow fire before the first Step.
	chunkSize int

	lastAck     uint32
	haveLastAck bool
	dupAckCount int

	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	haveRTT bool

	// onFastRetransmit/onRTOExpiry are invoked with the sequence number to
	// retransmit, whenever a loss-detection event fires; the coordinator
	// wires these to its actual resend path.
	onFastRetransmit func(seq uint32)
	onRTOExpiry      func(seq uint32)

	outstanding *transfer.OutstandingSet
}

// NewAIMD builds an AIMD policy, applying defaults for any zero fields in
// cfg, and bound to outstanding (used to find "the lowest un-ACKed chunk"
// for retransmission).
func NewAIMD(cfg AIMDConfig, outstanding *transfer.OutstandingSet) *AIMD {
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = DefaultMinWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = DefaultMaxWindow
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = DefaultInitialWindow
	}
	if cfg.DupAckThreshold <= 0 {
		cfg.DupAckThreshold = DefaultDupAckThreshold
	}
	if cfg.MinRTO <= 0 {
		cfg.MinRTO = DefaultMinRTO
	}
	if cfg.MaxRTO <= 0 {
		cfg.MaxRTO = DefaultMaxRTO
	}

	init := float64(cfg.InitialWindow)
	if init < float64(cfg.MinWindow) {
		init = float64(cfg.MinWindow)
	}
	if init > float64(cfg.MaxWindow) {
		init = float64(cfg.MaxWindow)
	}

	return &AIMD{
		cfg:         cfg,
		cwnd:        init,
		ssthresh:    float64(cfg.MaxWindow),
		rto:         cfg.MinRTO,
		chunkSize:   DefaultChunkSizeGrid,
		outstanding: outstanding,
	}
}

func (a *AIMD) Name() string { return "aimd" }

// SetRetransmitHooks wires the coordinator's actual resend logic to loss
// detection events.
func (a *AIMD) SetRetransmitHooks(onFastRetransmit, onRTOExpiry func(seq uint32)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFastRetransmit = onFastRetransmit
	a.onRTOExpiry = onRTOExpiry
}

// CWND returns the current congestion window in bytes.
func (a *AIMD) CWND() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.cwnd)
}

// RTO returns the current retransmission timeout.
func (a *AIMD) RTO() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rto
}

func (a *AIMD) Step(outstanding *transfer.OutstandingSet, nextChunkSize int, _ time.Time) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if nextChunkSize > 0 {
		a.chunkSize = nextChunkSize
	}

	maxOutstanding := int(a.cwnd) / a.chunkSize
	if maxOutstanding < 1 {
		maxOutstanding = 1
	}
	if outstanding.Len() >= maxOutstanding {
		return Decision{Action: WaitForAck}
	}
	return Decision{Action: SendNow}
}

// OnAck applies RTT estimation (RFC 6298), window evolution, and
// triple-duplicate-ACK detection for one received ACK.
func (a *AIMD) OnAck(info AckInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if info.TimestampEchoMs != 0 {
		sample := info.Now.Sub(time.UnixMilli(int64(info.TimestampEchoMs)))
		if sample > 0 {
			a.updateRTT(sample)
		}
	}

	isNewAck := !a.haveLastAck || info.CumulativeSeq > a.lastAck
	if isNewAck {
		a.lastAck = info.CumulativeSeq
		a.haveLastAck = true
		a.dupAckCount = 0
		a.growWindow()
		return
	}

	// Duplicate (or stale) ACK.
	a.dupAckCount++
	if !a.cfg.DisableFastRetransmit && a.dupAckCount >= a.cfg.DupAckThreshold {
		a.dupAckCount = 0
		a.fastRetransmitLocked()
	}
}

func (a *AIMD) growWindow() {
	grid := float64(a.chunkSize)
	if a.cwnd < a.ssthresh {
		// Slow start.
		a.cwnd += grid
	} else {
		// Congestion avoidance.
		a.cwnd += grid * grid / a.cwnd
	}
	if a.cwnd > float64(a.cfg.MaxWindow) {
		a.cwnd = float64(a.cfg.MaxWindow)
	}
}

func (a *AIMD) fastRetransmitLocked() {
	a.ssthresh = maxFloat(a.cwnd/2, float64(a.cfg.MinWindow))
	a.cwnd = roundDownToMultiple(a.ssthresh, float64(a.chunkSize))
	if a.cwnd < float64(a.cfg.MinWindow) {
		a.cwnd = float64(a.cfg.MinWindow)
	}
	if a.outstanding != nil {
		if seq, ok := a.outstanding.Lowest(); ok && a.onFastRetransmit != nil {
			a.onFastRetransmit(seq)
		}
	}
}

// ExpireRTO applies the RTO-expiry window collapse and retransmit (§4.5.3).
// The coordinator calls this when its RTO timer fires with no new ACK.
func (a *AIMD) ExpireRTO() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.DisableTimeoutRetransmit {
		return
	}

	a.ssthresh = maxFloat(a.cwnd/2, float64(a.cfg.MinWindow))
	a.cwnd = float64(a.cfg.MinWindow)
	a.rto = minDuration(2*a.rto, a.cfg.MaxRTO)

	if a.outstanding != nil {
		if seq, ok := a.outstanding.Lowest(); ok && a.onRTOExpiry != nil {
			a.onRTOExpiry(seq)
		}
	}
}

// updateRTT applies the Jacobson/Karels SRTT/RTTVAR/RTO update (RFC 6298).
func (a *AIMD) updateRTT(sample time.Duration) {
	const (
		alpha = 0.125
		beta  = 0.25
	)

	if !a.haveRTT {
		a.srtt = sample
		a.rttvar = sample / 2
		a.haveRTT = true
	} else {
		diff := a.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		a.rttvar = time.Duration((1-beta)*float64(a.rttvar) + beta*float64(diff))
		a.srtt = time.Duration((1-alpha)*float64(a.srtt) + alpha*float64(sample))
	}

	rto := a.srtt + 4*a.rttvar
	if rto < a.cfg.MinRTO {
		rto = a.cfg.MinRTO
	}
	if rto > a.cfg.MaxRTO {
		rto = a.cfg.MaxRTO
	}
	a.rto = rto
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// roundDownToMultiple rounds v down to the nearest multiple of m (§8
// property 4: "rounded to the chunk-size grid").
func roundDownToMultiple(v, m float64) float64 {
	if m <= 0 {
		return v
	}
	return float64(int64(v/m)) * m
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package transport

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultLoadSampleInterval is how often LoadSampler refreshes its cached
// reading, mirroring the teacher's SystemMonitor collection cadence.
const DefaultLoadSampleInterval = 15 * time.Second

// LoadSampler periodically derives a single 0-100 load percent for this
// node from 1-minute load average (normalized by CPU count) and memory
// pressure, the way the teacher's SystemMonitor derives LoadAverage, so the
// gossip layer can attach it to outgoing PONGs (SUPPLEMENTED FEATURES item
// 3) without blocking a gossip round on a syscall.
type LoadSampler struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	percent uint8
	ready   bool
}

// NewLoadSampler builds a LoadSampler. Call Start to begin background
// collection; Sample can be called at any time and returns ok=false until
// the first collection completes.
func NewLoadSampler(logger *slog.Logger) *LoadSampler {
	return &LoadSampler{
		logger: logger.With("component", "load_sampler"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic metric collection on a background goroutine.
func (s *LoadSampler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts collection and waits for the background goroutine to exit.
func (s *LoadSampler) Stop() {
	close(s.close)
	s.wg.Wait()
}

// Sample returns the most recently collected load percent (0-100) and
// whether a collection has completed yet. It has the exact shape
// membership.Gossiper.SetLoadSampler expects.
func (s *LoadSampler) Sample() (percent uint8, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.percent, s.ready
}

func (s *LoadSampler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(DefaultLoadSampleInterval)
	defer ticker.Stop()

	s.collect()
	for {
		select {
		case <-s.close:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *LoadSampler) collect() {
	var loadPercent, memPercent float64
	haveLoad, haveMem := false, false

	if l, err := load.Avg(); err == nil {
		cpus := runtime.NumCPU()
		if cpus < 1 {
			cpus = 1
		}
		loadPercent = (l.Load1 / float64(cpus)) * 100
		haveLoad = true
	} else {
		s.logger.Debug("failed to collect load average", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		memPercent = v.UsedPercent
		haveMem = true
	} else {
		s.logger.Debug("failed to collect memory stats", "error", err)
	}

	if !haveLoad && !haveMem {
		return
	}

	// Average whichever signals are available, weighting load average
	// slightly higher since it reflects queuing, not just occupancy.
	var combined float64
	switch {
	case haveLoad && haveMem:
		combined = loadPercent*0.6 + memPercent*0.4
	case haveLoad:
		combined = loadPercent
	default:
		combined = memPercent
	}

	if combined < 0 {
		combined = 0
	}
	if combined > 100 {
		combined = 100
	}

	s.mu.Lock()
	s.percent = uint8(combined)
	s.ready = true
	s.mu.Unlock()
}

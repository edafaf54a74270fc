// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// DefaultReportInterval matches the teacher's StatsReporter cadence.
const DefaultReportInterval = 5 * time.Minute

// Reporter periodically logs a structured summary of a Registry's active
// sessions, grounded on the teacher's agent.StatsReporter: same
// ticker-driven goroutine, same "one Info line carrying a JSON array"
// shape, generalized from per-job snapshots to per-session ones.
type Reporter struct {
	registry  *Registry
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReporter builds a Reporter over registry. interval <= 0 uses
// DefaultReportInterval.
func NewReporter(registry *Registry, logger *slog.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{
		registry:  registry,
		logger:    logger,
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start launches the reporting goroutine.
func (r *Reporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info("stats reporter started", "interval", r.interval)
}

// Stop cancels the reporting goroutine and waits for it to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	r.logger.Info("stats reporter stopped")
}

func (r *Reporter) report() {
	active := r.registry.Active()
	sessionsJSON, _ := json.Marshal(active)

	r.logger.Info("peercrypt stats",
		"uptime_seconds", int64(time.Since(r.startTime).Seconds()),
		"sessions_active", len(active),
		"sessions", json.RawMessage(sessionsJSON),
	)
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package config

import (
	"testing"
	"time"
)

func TestGossipIntervalMethods(t *testing.T) {
	g := GossipConfig{IntervalSeconds: 2.5, HealthCheckIntervalSeconds: 7.5}
	if err := g.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if got := g.GossipInterval(); got != 2500*time.Millisecond {
		t.Errorf("GossipInterval() = %v, want 2.5s", got)
	}
	if got := g.HealthCheckInterval(); got != 7500*time.Millisecond {
		t.Errorf("HealthCheckInterval() = %v, want 7.5s", got)
	}
}

func TestGossipListenAddressDefaultsEmpty(t *testing.T) {
	var g GossipConfig
	if err := g.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if g.ListenAddress != "" {
		t.Errorf("ListenAddress = %q, want empty (inbound gossip serving disabled by default)", g.ListenAddress)
	}
}

func TestStatsReportIntervalMethod(t *testing.T) {
	s := StatsConfig{ReportIntervalSeconds: 90}
	s.validate()
	if got := s.ReportInterval(); got != 90*time.Second {
		t.Errorf("ReportInterval() = %v, want 90s", got)
	}
}

func TestStatsReportIntervalDefault(t *testing.T) {
	var s StatsConfig
	s.validate()
	if got := s.ReportInterval(); got != 300*time.Second {
		t.Errorf("ReportInterval() default = %v, want 300s (5m)", got)
	}
}

func TestStatsHTTPAddressDefaultsEmpty(t *testing.T) {
	var s StatsConfig
	s.validate()
	if s.HTTPAddress != "" {
		t.Errorf("HTTPAddress = %q, want empty (HTTP observability surface disabled by default)", s.HTTPAddress)
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration files consumed
// by cmd/peercrypt-send and cmd/peercrypt-recv, mirroring the teacher's
// internal/config package: plain structs tagged for gopkg.in/yaml.v3,
// human-readable byte-size and duration-in-seconds fields resolved to their
// raw numeric form once in validate(), and wrapped fmt.Errorf failures
// rather than panics.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeInfo identifies this process on the gossip network.
type NodeInfo struct {
	// NodeID is this node's 32-bit opaque tag (§3 "Peer record"). It is used
	// as-is; nothing generates an ID at startup, so zero is advertised as
	// node 0.
	NodeID uint32 `yaml:"node_id"`
}

// TLSInfo holds the mTLS certificate paths passed to internal/transport.
type TLSInfo struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

// LoggingInfo configures internal/logging.NewLogger.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default: info
	Format string `yaml:"format"` // json|text, default: json
	File   string `yaml:"file"`   // optional log file path, "" = stdout only
}

// TransferLogConfig configures stats.TransferLog (§6.4 persisted state).
type TransferLogConfig struct {
	Path     string `yaml:"path"`      // default: "transfer-log.jsonl"
	MaxLines int    `yaml:"max_lines"` // default: 10000
}

// StatsConfig configures stats.Reporter's periodic active-session summary.
type StatsConfig struct {
	ReportIntervalSeconds    float64 `yaml:"report_interval_seconds"` // default: 300 (5m)
	ReportIntervalSecondsRaw int64   `yaml:"-"`

	// HTTPAddress, if set, exposes stats.NewRouter (health/metrics/sessions)
	// on this address. Empty disables the HTTP observability surface.
	HTTPAddress string `yaml:"http_address"`
}

// GossipConfig configures internal/membership's Gossiper and health-check
// loop (§4.3, §6.5's gossip_interval/disable_gossip/health_check_interval/
// max_retries).
type GossipConfig struct {
	Disable bool `yaml:"disable_gossip"` // default: false

	IntervalSeconds    float64 `yaml:"gossip_interval"` // default: 5.0
	IntervalSecondsRaw int64   `yaml:"-"`

	Fanout     int `yaml:"fanout"`      // default: 3
	SampleSize int `yaml:"sample_size"` // default: 32

	HealthCheckIntervalSeconds    float64 `yaml:"health_check_interval"` // default: 10.0
	HealthCheckIntervalSecondsRaw int64   `yaml:"-"`

	MaxRetries int `yaml:"max_retries"` // default: 3, connection retry backoff ceiling (§4.3)

	// DSCP names a forwarding priority class (EF, AFxx, CSx) and is
	// validated at load; the gossip dialers do not apply it and dial with
	// DSCP 0.
	DSCP string `yaml:"dscp"`

	// ListenAddress is the bound endpoint this node accepts inbound gossip
	// connections (HELLO/PEERS/PING/LEAVE) on. Empty disables inbound
	// gossip serving; the node still dials out on its own gossip rounds.
	ListenAddress string `yaml:"listen_address"`
}

// validate applies §6.5 defaults and resolves derived *Raw fields.
func (g *GossipConfig) validate() error {
	if g.IntervalSeconds <= 0 {
		g.IntervalSeconds = 5.0
	}
	g.IntervalSecondsRaw = secondsToNanos(g.IntervalSeconds)

	if g.Fanout <= 0 {
		g.Fanout = 3
	}
	if g.SampleSize <= 0 {
		g.SampleSize = 32
	}

	if g.HealthCheckIntervalSeconds <= 0 {
		g.HealthCheckIntervalSeconds = 10.0
	}
	g.HealthCheckIntervalSecondsRaw = secondsToNanos(g.HealthCheckIntervalSeconds)

	if g.MaxRetries <= 0 {
		g.MaxRetries = 3
	}

	if _, err := parseDSCPName(g.DSCP); err != nil {
		return fmt.Errorf("gossip.dscp: %w", err)
	}

	return nil
}

// GossipInterval returns the resolved gossip round interval as a time.Duration.
func (g GossipConfig) GossipInterval() time.Duration {
	return time.Duration(g.IntervalSecondsRaw)
}

// HealthCheckInterval returns the resolved PING health-check interval as a
// time.Duration.
func (g GossipConfig) HealthCheckInterval() time.Duration {
	return time.Duration(g.HealthCheckIntervalSecondsRaw)
}

// parseDSCPName validates a DSCP class name without importing
// internal/transport (config must not depend on the packages it configures,
// matching the teacher's layering where internal/config only imports
// internal/protocol for a constant, never internal/pki or internal/agent).
// The set mirrors internal/transport.ParseDSCP's dscpValues exactly.
func parseDSCPName(name string) (bool, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return false, nil
	}
	switch name {
	case "EF",
		"AF11", "AF12", "AF13",
		"AF21", "AF22", "AF23",
		"AF31", "AF32", "AF33",
		"AF41", "AF42", "AF43",
		"CS0", "CS1", "CS2", "CS3", "CS4", "CS5", "CS6", "CS7":
		return true, nil
	default:
		return false, fmt.Errorf("unknown DSCP value %q (valid: EF, AF11..AF43, CS0..CS7)", name)
	}
}

func secondsToNanos(seconds float64) int64 {
	return int64(seconds * float64(1e9))
}

// validate applies LoggingInfo's defaults.
func (l *LoggingInfo) validate() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

func (t *TransferLogConfig) validate() {
	if t.Path == "" {
		t.Path = "transfer-log.jsonl"
	}
	if t.MaxLines <= 0 {
		t.MaxLines = 10000
	}
}

func (s *StatsConfig) validate() {
	if s.ReportIntervalSeconds <= 0 {
		s.ReportIntervalSeconds = 300
	}
	s.ReportIntervalSecondsRaw = secondsToNanos(s.ReportIntervalSeconds)
}

// ReportInterval returns the resolved report interval as a time.Duration.
func (s StatsConfig) ReportInterval() time.Duration {
	return time.Duration(s.ReportIntervalSecondsRaw)
}

func (t *TLSInfo) validateClient(field string) error {
	if t.CACert == "" {
		return fmt.Errorf("%s.ca_cert is required", field)
	}
	if t.Cert == "" {
		return fmt.Errorf("%s.cert is required", field)
	}
	if t.Key == "" {
		return fmt.Errorf("%s.key is required", field)
	}
	return nil
}

// ParseByteSize converts a human-readable size string ("256mb", "1gb",
// "512", "4kb") to bytes. Longest suffix matches first so "mb" is never
// mistaken for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

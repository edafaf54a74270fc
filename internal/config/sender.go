// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SenderConfig is the complete configuration of cmd/peercrypt-send.
type SenderConfig struct {
	Node    NodeInfo           `yaml:"node"`
	TLS     TLSInfo            `yaml:"tls"`
	Gossip  GossipConfig       `yaml:"gossip"`
	Logging LoggingInfo        `yaml:"logging"`
	Stats   StatsConfig        `yaml:"stats"`
	Log     TransferLogConfig  `yaml:"transfer_log"`
	Transfer TransferTuning    `yaml:"transfer"`
	Policy   PolicyConfig      `yaml:"policy"`
}

// TransferTuning holds the §6.5 options that are not policy-specific:
// chunk_size, mtu_floor, connection_timeout, max_retries.
type TransferTuning struct {
	ChunkSize    string `yaml:"chunk_size"` // default: "4kb"
	ChunkSizeRaw int64  `yaml:"-"`

	MTUFloor int `yaml:"mtu_floor"` // default: 1400 bytes

	ConnectionTimeoutSeconds    float64 `yaml:"connection_timeout"` // default: 3.0
	ConnectionTimeoutSecondsRaw int64   `yaml:"-"`

	MaxRetries int `yaml:"max_retries"` // default: 3

	PBKDF2Iterations int `yaml:"pbkdf2_iterations"` // default: 100000 (crypto.MinPBKDF2Iterations)

	// CompressionEnabled requests zstd compression of chunk payloads
	// (flag bit 5, §6.1), negotiated with the receiver in the INIT blob the
	// same way the teacher's compression_mode is negotiated in its
	// handshake ACK. Default: false (send plaintext-then-sealed chunks).
	CompressionEnabled bool `yaml:"compression_enabled"`
}

// PolicyConfig selects and tunes one of the six transmission policies
// (§4.5). Mode picks which of the nested blocks applies; the others are
// ignored. This is the Go-native "tagged variant" §9's "Dynamic option
// parsing" note calls for, in place of the source's loosely typed option
// objects.
type PolicyConfig struct {
	// Mode selects the transmission policy: normal|token_bucket|aimd|qos|
	// parallel|multicast. Default: normal.
	Mode string `yaml:"default_mode"`

	TokenBucket TokenBucketConfig `yaml:"token_bucket"`
	AIMD        AIMDTuning        `yaml:"aimd"`
	QoS         QoSTuning         `yaml:"qos"`
	Parallel    ParallelTuning    `yaml:"parallel"`
	Multicast   MulticastTuning   `yaml:"multicast"`
}

// TokenBucketConfig tunes the Token bucket policy (§4.5.2).
type TokenBucketConfig struct {
	Capacity    string `yaml:"capacity"` // bytes, e.g. "64kb"
	CapacityRaw int64  `yaml:"-"`

	RateBytesPerSecond float64 `yaml:"rate_bytes_per_second"`
}

// AIMDTuning tunes the AIMD policy (§4.5.3). Byte-size and duration fields
// accept the same human-readable forms as TransferTuning.
type AIMDTuning struct {
	Window    string `yaml:"aimd_window"` // default: "16kb"
	WindowRaw int64  `yaml:"-"`

	MinWindow    string `yaml:"aimd_min_window"` // default: "4kb"
	MinWindowRaw int64  `yaml:"-"`

	MaxWindow    string `yaml:"aimd_max_window"` // default: "64kb"
	MaxWindowRaw int64  `yaml:"-"`

	// Window math rounds to the transfer's configured chunk_size grid
	// (§3 invariant (d), §8 property 4) rather than a separately tunable
	// MSS; there is no aimd-specific knob for it here.
	DupAckThreshold int `yaml:"dup_ack_threshold"` // default: 3

	MinRTOSeconds    float64 `yaml:"min_rto"` // default: 0.2
	MinRTOSecondsRaw int64   `yaml:"-"`
	MaxRTOSeconds    float64 `yaml:"max_rto"` // default: 60.0
	MaxRTOSecondsRaw int64   `yaml:"-"`

	DisableFastRetransmit    bool `yaml:"disable_fast_retransmit"`
	DisableTimeoutRetransmit bool `yaml:"disable_timeout_retransmit"`
}

// QoSTuning tunes the QoS policy (§4.5.4).
type QoSTuning struct {
	// Priority is this session's fixed priority: normal|high|highest.
	Priority string `yaml:"priority"` // default: "normal"

	// Weights overrides the default 1:2:3 share of send opportunities.
	Weights map[string]int `yaml:"weights"`
}

// ParallelTuning tunes the Parallel policy (§4.5.5).
type ParallelTuning struct {
	Threads int `yaml:"parallel_threads"` // default: 4
}

// MulticastTuning tunes the Multicast policy (§4.5.6).
type MulticastTuning struct {
	Endpoints []string `yaml:"endpoints"`
}

// LoadSenderConfig reads and validates the YAML sender configuration file.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}

	return &cfg, nil
}

func (c *SenderConfig) validate() error {
	if err := c.TLS.validateClient("tls"); err != nil {
		return err
	}
	if err := c.Gossip.validate(); err != nil {
		return err
	}
	c.Logging.validate()
	c.Stats.validate()
	c.Log.validate()

	if err := c.Transfer.validate(); err != nil {
		return err
	}
	if err := c.Policy.validate(); err != nil {
		return err
	}

	return nil
}

func (t *TransferTuning) validate() error {
	if t.ChunkSize == "" {
		t.ChunkSize = "4kb"
	}
	parsed, err := ParseByteSize(t.ChunkSize)
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	t.ChunkSizeRaw = parsed

	if t.MTUFloor <= 0 {
		t.MTUFloor = 1400
	}
	if t.ChunkSizeRaw > int64(t.MTUFloor)*16 {
		// Sanity bound: an operator-supplied chunk_size wildly above the
		// negotiated MTU floor almost always means a misread unit (e.g.
		// "4" meant as KB, parsed as 4 bytes... the inverse mistake).
		return fmt.Errorf("transfer.chunk_size %s is implausibly large relative to mtu_floor %d bytes", t.ChunkSize, t.MTUFloor)
	}

	if t.ConnectionTimeoutSeconds <= 0 {
		t.ConnectionTimeoutSeconds = 3.0
	}
	t.ConnectionTimeoutSecondsRaw = secondsToNanos(t.ConnectionTimeoutSeconds)

	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}

	if t.PBKDF2Iterations <= 0 {
		t.PBKDF2Iterations = 100_000
	}

	return nil
}

func (p *PolicyConfig) validate() error {
	if p.Mode == "" {
		p.Mode = "normal"
	}
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))

	switch p.Mode {
	case "normal":
	case "token_bucket":
		if p.TokenBucket.Capacity == "" {
			p.TokenBucket.Capacity = "64kb"
		}
		parsed, err := ParseByteSize(p.TokenBucket.Capacity)
		if err != nil {
			return fmt.Errorf("policy.token_bucket.capacity: %w", err)
		}
		p.TokenBucket.CapacityRaw = parsed
		if p.TokenBucket.RateBytesPerSecond <= 0 {
			p.TokenBucket.RateBytesPerSecond = float64(parsed)
		}
	case "aimd":
		if err := p.AIMD.validate(); err != nil {
			return err
		}
	case "qos":
		p.QoS.Priority = strings.ToLower(strings.TrimSpace(p.QoS.Priority))
		switch p.QoS.Priority {
		case "", "normal":
			p.QoS.Priority = "normal"
		case "high", "highest":
		default:
			return fmt.Errorf("policy.qos.priority must be normal, high, or highest, got %q", p.QoS.Priority)
		}
	case "parallel":
		if p.Parallel.Threads <= 0 {
			p.Parallel.Threads = 4
		}
		if p.Parallel.Threads > 32 {
			return fmt.Errorf("policy.parallel.parallel_threads must be at most 32, got %d", p.Parallel.Threads)
		}
	case "multicast":
		if len(p.Multicast.Endpoints) == 0 {
			return fmt.Errorf("policy.multicast.endpoints must have at least one entry")
		}
	default:
		return fmt.Errorf("policy.default_mode must be one of normal, token_bucket, aimd, qos, parallel, multicast, got %q", p.Mode)
	}

	return nil
}

func (a *AIMDTuning) validate() error {
	if a.Window == "" {
		a.Window = "16kb"
	}
	if a.MinWindow == "" {
		a.MinWindow = "4kb"
	}
	if a.MaxWindow == "" {
		a.MaxWindow = "64kb"
	}

	var err error
	if a.WindowRaw, err = ParseByteSize(a.Window); err != nil {
		return fmt.Errorf("policy.aimd.aimd_window: %w", err)
	}
	if a.MinWindowRaw, err = ParseByteSize(a.MinWindow); err != nil {
		return fmt.Errorf("policy.aimd.aimd_min_window: %w", err)
	}
	if a.MaxWindowRaw, err = ParseByteSize(a.MaxWindow); err != nil {
		return fmt.Errorf("policy.aimd.aimd_max_window: %w", err)
	}
	if a.MinWindowRaw > a.MaxWindowRaw {
		return fmt.Errorf("policy.aimd.aimd_min_window must be <= aimd_max_window")
	}
	if a.WindowRaw < a.MinWindowRaw || a.WindowRaw > a.MaxWindowRaw {
		return fmt.Errorf("policy.aimd.aimd_window must be within [aimd_min_window, aimd_max_window]")
	}

	if a.DupAckThreshold <= 0 {
		a.DupAckThreshold = 3
	}

	if a.MinRTOSeconds <= 0 {
		a.MinRTOSeconds = 0.2
	}
	a.MinRTOSecondsRaw = secondsToNanos(a.MinRTOSeconds)
	if a.MaxRTOSeconds <= 0 {
		a.MaxRTOSeconds = 60.0
	}
	a.MaxRTOSecondsRaw = secondsToNanos(a.MaxRTOSeconds)
	if a.MinRTOSecondsRaw > a.MaxRTOSecondsRaw {
		return fmt.Errorf("policy.aimd.min_rto must be <= max_rto")
	}

	return nil
}

// ConnectionTimeout returns the resolved connection_timeout as a
// time.Duration for convenience at call sites that dial.
func (t TransferTuning) ConnectionTimeout() time.Duration {
	return time.Duration(t.ConnectionTimeoutSecondsRaw)
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig is the complete configuration of cmd/peercrypt-recv.
type ReceiverConfig struct {
	Node    NodeInfo          `yaml:"node"`
	Listen  ListenInfo        `yaml:"listen"`
	TLS     TLSInfo           `yaml:"tls"`
	Gossip  GossipConfig      `yaml:"gossip"`
	Logging LoggingInfo       `yaml:"logging"`
	Stats   StatsConfig       `yaml:"stats"`
	Log     TransferLogConfig `yaml:"transfer_log"`

	OutputDir string `yaml:"output_dir"` // default: "./received"

	MaxPendingBytes    string `yaml:"max_pending_bytes"` // out-of-order buffer cap, default: "8mb"
	MaxPendingBytesRaw int64  `yaml:"-"`

	PBKDF2Iterations int `yaml:"pbkdf2_iterations"` // default: 100000

	FlowRotation FlowRotationConfig `yaml:"flow_rotation"`
}

// ListenInfo is the receiver's bound endpoint (§4.6 "Listens on a bound
// endpoint").
type ListenInfo struct {
	Address string `yaml:"address"` // e.g. "0.0.0.0:9443"
}

// FlowRotationConfig configures the Parallel/Multicast sub-session health
// rotation described in SUPPLEMENTED FEATURES item 2, generalized from the
// teacher's FlowRotationConfig.
type FlowRotationConfig struct {
	Enabled bool `yaml:"enabled"` // default: false

	MinMBps float64 `yaml:"min_mbps"` // default: 1.0

	EvalWindowSeconds    float64 `yaml:"eval_window"` // default: 60
	EvalWindowSecondsRaw int64   `yaml:"-"`

	CooldownSeconds    float64 `yaml:"cooldown"` // default: 15
	CooldownSecondsRaw int64   `yaml:"-"`
}

// LoadReceiverConfig reads and validates the YAML receiver configuration
// file.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}

	return &cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if err := c.TLS.validateServer("tls"); err != nil {
		return err
	}
	if err := c.Gossip.validate(); err != nil {
		return err
	}
	c.Logging.validate()
	c.Stats.validate()
	c.Log.validate()

	if c.OutputDir == "" {
		c.OutputDir = "./received"
	}

	if c.MaxPendingBytes == "" {
		c.MaxPendingBytes = "8mb"
	}
	parsed, err := ParseByteSize(c.MaxPendingBytes)
	if err != nil {
		return fmt.Errorf("max_pending_bytes: %w", err)
	}
	c.MaxPendingBytesRaw = parsed

	if c.PBKDF2Iterations <= 0 {
		c.PBKDF2Iterations = 100_000
	}

	if c.FlowRotation.Enabled {
		if c.FlowRotation.MinMBps <= 0 {
			c.FlowRotation.MinMBps = 1.0
		}
		if c.FlowRotation.EvalWindowSeconds <= 0 {
			c.FlowRotation.EvalWindowSeconds = 60
		}
		c.FlowRotation.EvalWindowSecondsRaw = secondsToNanos(c.FlowRotation.EvalWindowSeconds)
		if c.FlowRotation.CooldownSeconds <= 0 {
			c.FlowRotation.CooldownSeconds = 15
		}
		c.FlowRotation.CooldownSecondsRaw = secondsToNanos(c.FlowRotation.CooldownSeconds)
	}

	return nil
}

func (t *TLSInfo) validateServer(field string) error {
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

// EvalWindow returns the resolved eval_window as a time.Duration.
func (f FlowRotationConfig) EvalWindow() time.Duration {
	return time.Duration(f.EvalWindowSecondsRaw)
}

// Cooldown returns the resolved cooldown as a time.Duration.
func (f FlowRotationConfig) Cooldown() time.Duration {
	return time.Duration(f.CooldownSecondsRaw)
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const minimalSenderYAML = `
tls:
  ca_cert: /tmp/ca.pem
  cert: /tmp/client.pem
  key: /tmp/client-key.pem
`

func TestLoadSenderConfigAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, minimalSenderYAML)
	cfg, err := LoadSenderConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadSenderConfig: %v", err)
	}

	if cfg.Policy.Mode != "normal" {
		t.Errorf("expected default_mode 'normal', got %q", cfg.Policy.Mode)
	}
	if cfg.Transfer.ChunkSizeRaw != 4*1024 {
		t.Errorf("expected chunk_size default 4096, got %d", cfg.Transfer.ChunkSizeRaw)
	}
	if cfg.Transfer.MTUFloor != 1400 {
		t.Errorf("expected mtu_floor default 1400, got %d", cfg.Transfer.MTUFloor)
	}
	if cfg.Transfer.MaxRetries != 3 {
		t.Errorf("expected max_retries default 3, got %d", cfg.Transfer.MaxRetries)
	}
	if cfg.Transfer.PBKDF2Iterations != 100_000 {
		t.Errorf("expected pbkdf2_iterations default 100000, got %d", cfg.Transfer.PBKDF2Iterations)
	}
	if cfg.Gossip.IntervalSecondsRaw != int64(5*1e9) {
		t.Errorf("expected gossip_interval default 5s, got %d ns", cfg.Gossip.IntervalSecondsRaw)
	}
	if cfg.Gossip.HealthCheckIntervalSecondsRaw != int64(10*1e9) {
		t.Errorf("expected health_check_interval default 10s, got %d ns", cfg.Gossip.HealthCheckIntervalSecondsRaw)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Log.Path != "transfer-log.jsonl" || cfg.Log.MaxLines != 10000 {
		t.Errorf("unexpected transfer_log defaults: %+v", cfg.Log)
	}
	if cfg.Transfer.CompressionEnabled {
		t.Error("expected compression_enabled to default to false")
	}
}

func TestLoadSenderConfigCompressionEnabled(t *testing.T) {
	content := minimalSenderYAML + "transfer:\n  compression_enabled: true\n"
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadSenderConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadSenderConfig: %v", err)
	}
	if !cfg.Transfer.CompressionEnabled {
		t.Error("expected compression_enabled to be true")
	}
}

func TestLoadSenderConfigMissingTLSFails(t *testing.T) {
	cfgPath := writeTempConfig(t, "policy:\n  default_mode: normal\n")
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for missing tls block")
	}
}

func TestLoadSenderConfigAIMDWindowBounds(t *testing.T) {
	content := minimalSenderYAML + `
policy:
  default_mode: aimd
  aimd:
    aimd_window: "64kb"
    aimd_min_window: "4kb"
    aimd_max_window: "32kb"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error: aimd_window above aimd_max_window")
	}
}

func TestLoadSenderConfigAIMDValid(t *testing.T) {
	content := minimalSenderYAML + `
policy:
  default_mode: aimd
  aimd:
    aimd_window: "16kb"
    aimd_min_window: "4kb"
    aimd_max_window: "64kb"
    dup_ack_threshold: 3
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadSenderConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadSenderConfig: %v", err)
	}
	if cfg.Policy.AIMD.WindowRaw != 16*1024 {
		t.Errorf("expected aimd_window 16384, got %d", cfg.Policy.AIMD.WindowRaw)
	}
	if cfg.Policy.AIMD.MinRTOSecondsRaw != int64(0.2*1e9) {
		t.Errorf("expected min_rto default 200ms, got %d ns", cfg.Policy.AIMD.MinRTOSecondsRaw)
	}
}

func TestLoadSenderConfigQoSInvalidPriority(t *testing.T) {
	content := minimalSenderYAML + `
policy:
  default_mode: qos
  qos:
    priority: "urgent"
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid qos priority")
	}
}

func TestLoadSenderConfigMulticastRequiresEndpoints(t *testing.T) {
	content := minimalSenderYAML + `
policy:
  default_mode: multicast
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for multicast with no endpoints")
	}
}

func TestLoadSenderConfigParallelThreadsCapped(t *testing.T) {
	content := minimalSenderYAML + `
policy:
  default_mode: parallel
  parallel:
    parallel_threads: 64
`
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for parallel_threads above the cap")
	}
}

func TestLoadSenderConfigUnknownMode(t *testing.T) {
	content := minimalSenderYAML + "policy:\n  default_mode: teleport\n"
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for unknown policy mode")
	}
}

func TestLoadSenderConfigUnknownDSCPRejected(t *testing.T) {
	content := minimalSenderYAML + "gossip:\n  dscp: BOGUS\n"
	cfgPath := writeTempConfig(t, content)
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for unknown DSCP name")
	}
}

func TestLoadSenderConfigFileNotFound(t *testing.T) {
	if _, err := LoadSenderConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadSenderConfigInvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "not: [valid yaml")
	if _, err := LoadSenderConfig(cfgPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"256mb": 256 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"4kb":   4 * 1024,
		"512b":  512,
		"1024":  1024,
	}
	for input, want := range cases {
		got, err := ParseByteSize(input)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", input, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", input, got, want)
		}
	}
}

func TestParseByteSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for garbage size string")
	}
}

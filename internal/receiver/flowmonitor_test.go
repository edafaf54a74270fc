// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"net"
	"testing"
	"time"
)

func newTestAssembler(t *testing.T, chunkSize int64) *Assembler {
	t.Helper()
	path := t.TempDir() + "/flow.part"
	asm, err := NewAssembler(path, chunkSize, 0, 0)
	if err != nil {
		t.Fatalf("NewAssembler: %v", err)
	}
	return asm
}

func TestFlowRotationMonitorFastStreamNeverRotates(t *testing.T) {
	asm := newTestAssembler(t, 10*1024*1024) // 10 MiB chunks
	client, server := net.Pipe()
	defer client.Close()

	mon := newFlowRotationMonitor(1.0, time.Millisecond, time.Millisecond, asm, 10*1024*1024, server)

	if _, err := asm.WriteChunk(0, make([]byte, 10*1024*1024)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if mon.tick() {
		t.Fatal("tick() rotated a stream running well above the rate floor")
	}
}

func TestFlowRotationMonitorIdleStreamDoesNotRotate(t *testing.T) {
	asm := newTestAssembler(t, 1024)
	client, server := net.Pipe()
	defer client.Close()

	mon := newFlowRotationMonitor(1.0, time.Millisecond, time.Millisecond, asm, 1024, server)

	// No WriteChunk calls: delta is always zero, which must read as "idle",
	// not "slow" (mirrors the teacher's bytes==0 special case).
	for i := 0; i < 3; i++ {
		if mon.tick() {
			t.Fatal("tick() rotated an idle stream")
		}
	}
}

func TestFlowRotationMonitorSustainedSlowStreamRotates(t *testing.T) {
	asm := newTestAssembler(t, 1)
	client, server := net.Pipe()
	defer client.Close()

	mon := newFlowRotationMonitor(1.0, time.Millisecond, time.Millisecond, asm, 1, server)

	if _, err := asm.WriteChunk(0, []byte{0xFF}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if mon.tick() {
		t.Fatal("tick() rotated on the first slow observation (eval_window not yet elapsed)")
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := asm.WriteChunk(1, []byte{0xFF}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if !mon.tick() {
		t.Fatal("tick() did not rotate a stream slow for longer than eval_window")
	}

	// The underlying connection should now be closed.
	if _, err := server.Write([]byte{0}); err == nil {
		t.Fatal("expected write on a rotated connection to fail")
	}
}

func TestFlowRotationMonitorRespectsCooldown(t *testing.T) {
	asm := newTestAssembler(t, 1)
	client, server := net.Pipe()
	defer client.Close()

	mon := newFlowRotationMonitor(1.0, time.Millisecond, time.Hour, asm, 1, server)

	if _, err := asm.WriteChunk(0, []byte{0xFF}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	mon.tick() // marks slowSince, does not yet rotate

	time.Sleep(2 * time.Millisecond)
	if _, err := asm.WriteChunk(1, []byte{0xFF}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if !mon.tick() {
		t.Fatal("expected the first sustained-slow tick to rotate")
	}

	// Immediately after rotating, a second sustained-slow observation must
	// not rotate again within the (here, 1 hour) cooldown.
	mon.conn, _ = net.Pipe() // swap in a live conn so a spurious close is observable
	if _, err := asm.WriteChunk(2, []byte{0xFF}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if mon.tick() {
		t.Fatal("tick() rotated again inside the cooldown window")
	}
}

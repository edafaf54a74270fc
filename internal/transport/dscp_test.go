// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package transport

import (
	"net"
	"testing"
)

func TestParseDSCPKnownNames(t *testing.T) {
	cases := map[string]int{
		"EF":   46,
		"af41": 34, // lowercase accepted
		" CS3 ": 24,
		"CS0":  0,
	}
	for name, want := range cases {
		got, err := ParseDSCP(name)
		if err != nil {
			t.Fatalf("ParseDSCP(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseDSCP(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestParseDSCPEmptyDisables(t *testing.T) {
	got, err := ParseDSCP("")
	if err != nil {
		t.Fatalf("ParseDSCP(\"\"): %v", err)
	}
	if got != 0 {
		t.Errorf("ParseDSCP(\"\") = %d, want 0", got)
	}
}

func TestParseDSCPRejectsUnknownName(t *testing.T) {
	if _, err := ParseDSCP("BOGUS"); err == nil {
		t.Fatal("expected error for unknown DSCP name")
	}
}

func TestDSCPForQoSPriorityOrdering(t *testing.T) {
	lo := DSCPForQoSPriority(1)
	mid := DSCPForQoSPriority(2)
	hi := DSCPForQoSPriority(3)
	if !(lo < mid && mid < hi) {
		t.Fatalf("expected increasing DSCP weight with priority, got lo=%d mid=%d hi=%d", lo, mid, hi)
	}
}

func TestApplyDSCPNoopWhenZero(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := ApplyDSCP(conn, 0); err != nil {
		t.Fatalf("ApplyDSCP(0) should be a no-op, got: %v", err)
	}
}

func TestApplyDSCPRejectsNonTCPConn(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := ApplyDSCP(conn, 46); err == nil {
		t.Fatal("expected error applying DSCP to a non-TCP connection")
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package coordinator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/crypto"
	"github.com/nishisan-dev/peercrypt/internal/policy"
	"github.com/nishisan-dev/peercrypt/internal/receiver"
	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startLoopbackReceiver listens on an ephemeral loopback port and hands every
// accepted connection to h.HandleConnection, mirroring the teacher's
// internal/integration tests that drive a real net.Listener rather than an
// in-memory pipe, so kernel socket buffering (not present on net.Pipe) lets
// the sender's window-based policies stream multiple chunks without having
// to interleave reads and writes in lockstep.
func startLoopbackReceiver(t *testing.T, h *receiver.Handler) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		h.HandleConnection(conn)
	}()
	return ln.Addr()
}

func runSendTest(t *testing.T, pol policy.Policy, content []byte) string {
	t.Helper()
	return runSendTestWithCompression(t, pol, content, false)
}

func runSendTestWithCompression(t *testing.T, pol policy.Policy, content []byte, compressChunks bool) string {
	t.Helper()
	sharedSecret := []byte("shared passphrase under test")
	const iterations = crypto.MinPBKDF2Iterations
	const chunkSize = 4

	dataDir := t.TempDir()
	handler := receiver.NewHandler(dataDir, sharedSecret, iterations, discardLogger())
	addr := startLoopbackReceiver(t, handler)

	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	defer conn.Close()

	coord := New(Config{
		ChunkSize:        chunkSize,
		PBKDF2Iterations: iterations,
		Policy:           pol,
		Compress:         compressChunks,
		RTOTimeout:       500 * time.Millisecond,
		Logger:           discardLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := coord.Send(ctx, conn, sharedSecret, "payload.bin", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.BytesSent != int64(len(content)) {
		t.Fatalf("BytesSent = %d, want %d", result.BytesSent, len(content))
	}
	if result.SessionNonce == "" {
		t.Fatal("SessionNonce is empty")
	}

	finalPath := filepath.Join(dataDir, "payload.bin")
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		got, err = os.ReadFile(finalPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ReadFile(final): %v", err)
	}
	return string(got)
}

func TestSendEndToEndWithNormalPolicy(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD") // 4 chunks of 4 bytes
	got := runSendTest(t, policy.NewNormal(), content)
	if got != string(content) {
		t.Fatalf("assembled content = %q, want %q", got, content)
	}
}

func TestSendEndToEndWithAIMDPolicy(t *testing.T) {
	content := bytes.Repeat([]byte("X"), 4*37) // several chunks, uneven last chunk
	aimd := policy.NewAIMD(policy.AIMDConfig{}, transfer.NewOutstandingSet())
	got := runSendTest(t, aimd, content)
	if got != string(content) {
		t.Fatalf("assembled content length = %d, want %d", len(got), len(content))
	}
}

func TestSendEndToEndWithTokenBucketPolicy(t *testing.T) {
	content := []byte("0123456789ABCDEF") // 4 chunks of 4 bytes
	got := runSendTest(t, policy.NewTokenBucket(64, 1<<20), content)
	if got != string(content) {
		t.Fatalf("assembled content = %q, want %q", got, content)
	}
}

func TestSendEndToEndWithCompressionEnabled(t *testing.T) {
	content := bytes.Repeat([]byte("compressible-payload-"), 50) // several chunks, uneven last chunk
	got := runSendTestWithCompression(t, policy.NewNormal(), content, true)
	if got != string(content) {
		t.Fatalf("assembled content length = %d, want %d", len(got), len(content))
	}
}

// flakyConn wraps a net.Conn and fails the failOnWrite'th call to Write,
// closing the underlying connection first so the failure looks like an
// ordinary dropped connection to both sides rather than a clean shutdown.
type flakyConn struct {
	net.Conn
	writes      int
	failOnWrite int
}

func (f *flakyConn) Write(p []byte) (int, error) {
	f.writes++
	if f.writes == f.failOnWrite {
		f.Conn.Close()
		return 0, net.ErrClosed
	}
	return f.Conn.Write(p)
}

// startResumableLoopbackReceiver accepts every connection addr receives for
// the life of the test, handing each to h.HandleConnection, so a sender that
// reconnects after a dropped connection (resumeAfterLoss) finds the same
// Handler (and therefore the same SessionRegistry) behind its second dial.
func startResumableLoopbackReceiver(t *testing.T, h *receiver.Handler) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.HandleConnection(conn)
		}
	}()
	return ln.Addr()
}

func TestSendResumesAfterConnectionLoss(t *testing.T) {
	sharedSecret := []byte("shared passphrase under test")
	const iterations = crypto.MinPBKDF2Iterations
	const chunkSize = 4

	dataDir := t.TempDir()
	handler := receiver.NewHandler(dataDir, sharedSecret, iterations, discardLogger())
	addr := startResumableLoopbackReceiver(t, handler)

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr.String())
	}

	conn, err := dial(context.Background())
	if err != nil {
		t.Fatalf("initial dial: %v", err)
	}
	// Fail the 3rd frame write: INIT is the 1st, so this drops the
	// connection partway through the DATA stream, after at least one chunk
	// has gone through.
	flaky := &flakyConn{Conn: conn, failOnWrite: 3}

	coord := New(Config{
		ChunkSize:        chunkSize,
		PBKDF2Iterations: iterations,
		Policy:           policy.NewNormal(),
		RTOTimeout:       500 * time.Millisecond,
		Reconnect:        dial,
		Logger:           discardLogger(),
	})

	content := []byte("AAAABBBBCCCCDDDD") // 4 chunks of 4 bytes
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := coord.Send(ctx, flaky, sharedSecret, "resumed.bin", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.BytesSent != int64(len(content)) {
		t.Fatalf("BytesSent = %d, want %d", result.BytesSent, len(content))
	}

	finalPath := filepath.Join(dataDir, "resumed.bin")
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		got, err = os.ReadFile(finalPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ReadFile(final): %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("assembled content = %q, want %q", got, content)
	}
}

func TestSendFailsWhenReceiverClosesImmediately(t *testing.T) {
	// A peer that accepts and immediately closes the connection must surface
	// as a Send error (failing to read ACK-of-INIT) rather than hang.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	defer conn.Close()

	coord := New(Config{
		ChunkSize:        4,
		PBKDF2Iterations: crypto.MinPBKDF2Iterations,
		Policy:           policy.NewNormal(),
		Logger:           discardLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	content := []byte("data")
	if _, err := coord.Send(ctx, conn, []byte("shared secret"), "x.bin", bytes.NewReader(content), int64(len(content))); err == nil {
		t.Fatal("expected Send to fail when the receiver closes immediately")
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package stats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TransferEntry is one line of the append-only transfer log (§6.4,
// SUPPLEMENTED FEATURES item 5): a terminal summary of one session, written
// once the session reaches COMPLETED or an error state.
type TransferEntry struct {
	Timestamp  string `json:"timestamp"`
	Session    string `json:"session_nonce"`
	Peer       string `json:"peer,omitempty"`
	Policy     string `json:"policy,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"duration_ms"`
	State      string `json:"state"` // completed | failed
	Reason     string `json:"reason,omitempty"`
}

// TransferLog is a JSONL append-only sink implementing Observer, grounded on
// the teacher's EventStore: every Push appends one line to path, and the
// file is rotated (keeping the newest maxLines/2 entries) once it exceeds
// maxLines. Unlike EventStore, TransferLog keeps no in-memory ring — the
// transfer log is written-once-read-later, not queried live — so only the
// session-start fields needed to produce the terminal summary are cached per
// in-flight session.
type TransferLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	maxLines  int
	lineCount int

	startedMu sync.Mutex
	started   map[string]sessionStart
}

type sessionStart struct {
	peer, policyName, fileName string
	size                       int64
}

// NewTransferLog opens (creating if needed) the JSONL file at path for
// append, counting its existing lines so rotation triggers at the right
// point even across process restarts.
func NewTransferLog(path string, maxLines int) (*TransferLog, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}
	lineCount, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("stats: counting existing transfer log lines: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stats: opening transfer log for append: %w", err)
	}
	return &TransferLog{
		file:      f,
		path:      path,
		maxLines:  maxLines,
		lineCount: lineCount,
		started:   make(map[string]sessionStart),
	}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

// SessionStarted records the session's identifying fields so the eventual
// terminal entry can include them without the caller re-supplying them.
func (l *TransferLog) SessionStarted(nonce, peer, policyName, fileName string, size int64) {
	l.startedMu.Lock()
	l.started[nonce] = sessionStart{peer: peer, policyName: policyName, fileName: fileName, size: size}
	l.startedMu.Unlock()
}

func (l *TransferLog) ChunkSent(string, uint32, int)             {}
func (l *TransferLog) ChunkRetransmitted(string, uint32, string) {}
func (l *TransferLog) AckReceived(string, uint32, bool)          {}

// SessionCompleted appends a "completed" entry.
func (l *TransferLog) SessionCompleted(nonce string, bytesSent int64, duration time.Duration) {
	l.append(nonce, "completed", "", bytesSent, duration)
}

// SessionFailed appends a "failed" entry with reason.
func (l *TransferLog) SessionFailed(nonce, reason string, duration time.Duration) {
	l.append(nonce, "failed", reason, 0, duration)
}

func (l *TransferLog) append(nonce, state, reason string, bytesSent int64, duration time.Duration) {
	l.startedMu.Lock()
	start, ok := l.started[nonce]
	delete(l.started, nonce)
	l.startedMu.Unlock()

	entry := TransferEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		Session:    nonce,
		State:      state,
		Reason:     reason,
		Bytes:      bytesSent,
		DurationMs: duration.Milliseconds(),
	}
	if ok {
		entry.Peer = start.peer
		entry.Policy = start.policyName
		entry.FileName = start.fileName
		if state == "failed" {
			entry.Bytes = 0
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return
	}
	l.lineCount++
	if l.lineCount > l.maxLines {
		l.rotate()
	}
}

// rotate keeps the newest maxLines/2 entries, matching the teacher's
// EventStore.rotate. Must be called with l.mu held.
func (l *TransferLog) rotate() {
	keep := l.maxLines / 2
	lines, err := readAllLines(l.path)
	if err != nil || len(lines) <= keep {
		return
	}
	lines = lines[len(lines)-keep:]

	l.file.Close()
	f, err := os.Create(l.path)
	if err != nil {
		l.file, _ = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		return
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	l.file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	l.lineCount = len(lines)
}

func readAllLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Close closes the underlying file handle.
func (l *TransferLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

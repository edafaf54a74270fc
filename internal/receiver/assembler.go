// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultMaxPendingBytes caps the out-of-order buffer before overflow starts
// dropping the highest-offset chunks first (§4.6).
const DefaultMaxPendingBytes = 8 * 1024 * 1024

// Assembler reassembles one session's (or one Parallel worker's) byte
// stream into a file at chunk-size-aligned offsets, per §4.6: in-order
// chunks are written immediately, out-of-order chunks are buffered up to a
// byte cap, and the cumulative watermark only ever advances.
//
// Unlike the teacher's sequential-append ChunkAssembler (n-backup has no
// concept of a byte offset independent of arrival order), PeerCrypt's
// receiver writes every chunk with WriteAt at baseOffset plus an offset
// derived from its sequence number, so several sequence spaces could share
// one file. HandleConnection gives every session, each Parallel worker's
// included, its own staging file at baseOffset 0. The file-level SHA-256 is
// not streamed; VerifyChecksum computes it over the written file at FIN.
type Assembler struct {
	mu sync.Mutex

	file       *os.File
	chunkSize  int64
	baseOffset int64

	nextExpected uint32
	pending      map[uint32][]byte
	pendingBytes int64
	maxPending   int64

	expander SeqExpander
}

// NewAssembler opens (creating if needed) path for random-access writes and
// returns an Assembler that will place sequence n's payload at
// baseOffset + n*chunkSize. maxPendingBytes <= 0 selects
// DefaultMaxPendingBytes.
func NewAssembler(path string, chunkSize, baseOffset, maxPendingBytes int64) (*Assembler, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("receiver: chunk size must be positive, got %d", chunkSize)
	}
	if maxPendingBytes <= 0 {
		maxPendingBytes = DefaultMaxPendingBytes
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("receiver: opening output file: %w", err)
	}

	return &Assembler{
		file:       f,
		chunkSize:  chunkSize,
		baseOffset: baseOffset,
		pending:    make(map[uint32][]byte),
		maxPending: maxPendingBytes,
	}, nil
}

// WriteChunk accepts a DATA frame's wire sequence number and payload,
// following §4.6 exactly:
//   - seq == next_expected: write at offset, advance the watermark, flush any
//     now-contiguous pending chunks.
//   - seq < next_expected: duplicate/late; ignore the payload.
//   - seq > next_expected: buffer out-of-order, subject to the pending cap.
//
// It always returns the cumulative sequence the caller should ACK: the
// possibly-just-advanced next_expected, which re-emission of duplicates and
// out-of-order arrivals is exactly what drives triple-duplicate-ACK
// detection on the sender (§4.6).
func (a *Assembler) WriteChunk(wireSeq uint16, data []byte) (ackSeq uint32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.expander.Expand(wireSeq)

	switch {
	case seq < a.nextExpected:
		return a.nextExpected, nil

	case seq == a.nextExpected:
		if err := a.writeAt(seq, data); err != nil {
			return a.nextExpected, err
		}
		a.nextExpected++
		if err := a.flushPending(); err != nil {
			return a.nextExpected, err
		}
		return a.nextExpected, nil

	default:
		a.bufferOutOfOrder(seq, data)
		return a.nextExpected, nil
	}
}

func (a *Assembler) writeAt(seq uint32, data []byte) error {
	offset := a.baseOffset + int64(seq)*a.chunkSize
	if _, err := a.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("receiver: writing chunk %d at offset %d: %w", seq, offset, err)
	}
	return nil
}

// flushPending drains any pending chunks that became contiguous after the
// watermark advanced. Must be called with a.mu held.
func (a *Assembler) flushPending() error {
	for {
		data, ok := a.pending[a.nextExpected]
		if !ok {
			return nil
		}
		if err := a.writeAt(a.nextExpected, data); err != nil {
			return err
		}
		a.pendingBytes -= int64(len(data))
		delete(a.pending, a.nextExpected)
		a.nextExpected++
	}
}

// bufferOutOfOrder stores an out-of-order chunk, evicting the highest
// buffered offset first if the pending byte cap would be exceeded (§4.6:
// "overflow drops highest-offset chunks first"). Must be called with a.mu
// held.
func (a *Assembler) bufferOutOfOrder(seq uint32, data []byte) {
	if _, exists := a.pending[seq]; exists {
		return
	}

	need := int64(len(data))
	for a.pendingBytes+need > a.maxPending && len(a.pending) > 0 {
		highest := seq
		for s := range a.pending {
			if s > highest {
				highest = s
			}
		}
		if highest == seq {
			// The incoming chunk is itself the highest offset: drop it
			// instead of evicting something lower.
			return
		}
		a.pendingBytes -= int64(len(a.pending[highest]))
		delete(a.pending, highest)
	}

	a.pending[seq] = append([]byte(nil), data...)
	a.pendingBytes += need
}

// NextExpected returns the current cumulative watermark.
func (a *Assembler) NextExpected() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextExpected
}

// PendingCount reports how many out-of-order chunks are currently buffered.
func (a *Assembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close flushes and closes the output file. It does not delete it; callers
// that need to discard a failed transfer should call Cleanup instead (or in
// addition).
func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Cleanup removes the output file; used when a session transitions to
// ERROR, per §4.4's "receiver deletes partial output" on integrity failure.
func (a *Assembler) Cleanup(path string) error {
	_ = a.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("receiver: removing partial output: %w", err)
	}
	return nil
}

// VerifyChecksum reads the complete assembled file at path and reports
// whether its SHA-256 matches want (§4.6: "On FIN: verify file-level
// SHA-256"). The file must already be closed (or at least fully flushed) by
// the caller.
func VerifyChecksum(path string, want [32]byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("receiver: opening file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("receiver: hashing file: %w", err)
	}

	var got [32]byte
	copy(got[:], h.Sum(nil))
	return got == want, nil
}

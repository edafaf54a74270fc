// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"fmt"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// DefaultParallelWorkers is the default thread count for Parallel (§4.5.5).
const DefaultParallelWorkers = 4

// Range is one worker's non-overlapping byte range of the source file.
type Range struct {
	Start int64 // inclusive
	End   int64 // exclusive
}

// Size reports the number of bytes covered by r.
func (r Range) Size() int64 { return r.End - r.Start }

// SplitRanges divides a file of fileSize bytes into n non-overlapping,
// contiguous ranges, distributing any remainder across the first ranges so
// every byte is covered exactly once (§4.5.5: "splits the file into N
// ranges").
func SplitRanges(fileSize int64, n int) ([]Range, error) {
	if n <= 0 {
		return nil, fmt.Errorf("policy: parallel worker count must be positive, got %d", n)
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("policy: negative file size %d", fileSize)
	}

	base := fileSize / int64(n)
	remainder := fileSize % int64(n)

	ranges := make([]Range, n)
	var offset int64
	for i := 0; i < n; i++ {
		size := base
		if int64(i) < remainder {
			size++
		}
		ranges[i] = Range{Start: offset, End: offset + size}
		offset += size
	}
	return ranges, nil
}

// Worker is one Parallel sub-session: an independent sequence space driven
// by its own Policy (typically Normal or AIMD), covering a single Range of
// the shared file.
type Worker struct {
	Range       Range
	Session     *transfer.Session
	Outstanding *transfer.OutstandingSet
	Inner       Policy
}

// Parallel coordinates N independent Workers, each with its own sub-session,
// sharing only the file metadata and file-level checksum (§4.5.5). Overall
// completion requires every worker's Session to reach COMPLETED.
type Parallel struct {
	Workers []*Worker
}

// NewParallel splits fileSize into len(inner) ranges and pairs each with the
// given per-worker policy, one fresh Session and OutstandingSet per worker.
func NewParallel(fileSize int64, inner []Policy) (*Parallel, error) {
	ranges, err := SplitRanges(fileSize, len(inner))
	if err != nil {
		return nil, err
	}

	workers := make([]*Worker, len(inner))
	for i, p := range inner {
		workers[i] = &Worker{
			Range:       ranges[i],
			Session:     transfer.NewSession(),
			Outstanding: transfer.NewOutstandingSet(),
			Inner:       p,
		}
	}
	return &Parallel{Workers: workers}, nil
}

// AllCompleted reports whether every worker's sub-session has reached
// COMPLETED (§4.5.5: "completion requires all workers to reach COMPLETED").
func (p *Parallel) AllCompleted() bool {
	for _, w := range p.Workers {
		if w.Session.State() != transfer.StateCompleted {
			return false
		}
	}
	return true
}

// AnyErrored reports whether any worker's sub-session has transitioned to
// ERROR.
func (p *Parallel) AnyErrored() bool {
	for _, w := range p.Workers {
		if w.Session.State() == transfer.StateError {
			return true
		}
	}
	return false
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package transport

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadSamplerNotReadyBeforeFirstCollection(t *testing.T) {
	s := NewLoadSampler(discardLogger())
	if _, ok := s.Sample(); ok {
		t.Fatal("expected ok=false before Start")
	}
}

func TestLoadSamplerBecomesReadyAfterStart(t *testing.T) {
	s := NewLoadSampler(discardLogger())
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if percent, ok := s.Sample(); ok {
			if percent > 100 {
				t.Fatalf("percent = %d, want <= 100", percent)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("LoadSampler never became ready")
}

func TestLoadSamplerStopIsIdempotentWithStart(t *testing.T) {
	s := NewLoadSampler(discardLogger())
	s.Start()
	s.Stop() // must not hang or panic
}

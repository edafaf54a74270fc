// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package compress wraps github.com/klauspost/compress/zstd for the one
// negotiated codec the wire format allows (§6.1 flag bit 5, "compressed").
// A chunk is compressed before it is handed to crypto.Envelope.Seal and
// decompressed after crypto.Envelope.Open, so compression ratio is computed
// over plaintext, never ciphertext.
package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// encoderPool and decoderPool share zstd.Encoder/Decoder instances across
// chunks within a process: both types are safe for concurrent use once
// built, but construction allocates a sizeable window buffer that is not
// worth repeating per chunk.
var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return enc, encErr
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = zstd.NewReader(nil)
	})
	return dec, decErr
}

// Compress returns the zstd-compressed form of plaintext.
func Compress(plaintext []byte) ([]byte, error) {
	e, err := encoder()
	if err != nil {
		return nil, fmt.Errorf("compress: building zstd encoder: %w", err)
	}
	return e.EncodeAll(plaintext, make([]byte, 0, len(plaintext))), nil
}

// Decompress restores plaintext from its zstd-compressed form.
func Decompress(compressed []byte) ([]byte, error) {
	d, err := decoder()
	if err != nil {
		return nil, fmt.Errorf("compress: building zstd decoder: %w", err)
	}
	out, err := d.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: decoding chunk: %w", err)
	}
	return out, nil
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
)

// BootstrapSalt is the fixed, non-secret PBKDF2 salt both sides derive a
// throwaway key from to authenticate an INIT frame's header token, before
// the real per-session salt INIT carries has been read. It is not a secret
// — only the shared passphrase is — so a well-known constant is fine here;
// the real session key, derived from the salt INIT actually carries, takes
// over for every frame after INIT. Width matches crypto.SaltSize (16).
var BootstrapSalt = [16]byte{'p', 'e', 'e', 'r', 'c', 'r', 'y', 'p', 't', '-', 'i', 'n', 'i', 't', 0, 0}

// InitPayload is the JSON body carried by a TypeInit frame: the per-session
// PBKDF2 salt (§4.1: "a per-session 128-bit salt exchanged in INIT") and the
// file metadata the receiver needs before it can allocate a reassembly
// buffer (§4.6: "validate INIT, allocate reassembly buffer").
type InitPayload struct {
	SessionNonce string `json:"session_nonce"`
	SaltHex      string `json:"salt"`
	Iterations   int    `json:"iterations"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	ChunkSize    int    `json:"chunk_size"`
	SHA256Hex    string `json:"sha256"`

	// Compressed requests zstd compression of every DATA chunk's plaintext
	// before sealing, mirroring FlagCompressed (§6.1 bit 5) on the frames
	// that follow. There is no accept/reject round-trip: the receiver reads
	// this once from INIT and applies it to every subsequent DATA frame
	// for the session, the same way SaltHex and Iterations are read once
	// and reused for every frame's key derivation.
	Compressed bool `json:"compressed"`

	// Resume marks this INIT as a reconnection of an existing session
	// (SUPPLEMENTED FEATURES item 1) rather than a new transfer: SessionNonce,
	// SaltHex, Iterations, FileName, FileSize, ChunkSize and SHA256Hex all
	// repeat the original INIT's values so the receiver can recognize the
	// session it already holds in memory. The receiver's ACK-of-INIT Sequence
	// field carries next_expected instead of 0 so the sender can fast-forward
	// its send cursor without retransmitting already-written chunks.
	Resume bool `json:"resume,omitempty"`
}

// EncodeInitPayload serializes p to the JSON bytes that belong in an INIT
// frame's Payload field.
func EncodeInitPayload(p InitPayload) ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding INIT payload: %w", err)
	}
	return buf, nil
}

// DecodeInitPayload parses an INIT frame's payload bytes.
func DecodeInitPayload(buf []byte) (InitPayload, error) {
	var p InitPayload
	if err := json.Unmarshal(buf, &p); err != nil {
		return p, fmt.Errorf("protocol: decoding INIT payload: %w", err)
	}
	return p, nil
}

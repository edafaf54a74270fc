// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import "testing"

func TestInitPayloadRoundTrip(t *testing.T) {
	p := InitPayload{
		SessionNonce: "abc123",
		SaltHex:      "0011223344556677",
		Iterations:   100_000,
		FileName:     "report.pdf",
		FileSize:     4096,
		ChunkSize:    256,
		SHA256Hex:    "deadbeef",
		Compressed:   true,
		Resume:       true,
	}
	buf, err := EncodeInitPayload(p)
	if err != nil {
		t.Fatalf("EncodeInitPayload: %v", err)
	}
	got, err := DecodeInitPayload(buf)
	if err != nil {
		t.Fatalf("DecodeInitPayload: %v", err)
	}
	if got != p {
		t.Fatalf("round trip = %+v, want %+v", got, p)
	}
}

func TestDecodeInitPayloadRejectsInvalidJSON(t *testing.T) {
	if _, err := DecodeInitPayload([]byte("not json")); err == nil {
		t.Fatal("expected an error decoding invalid JSON")
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package crypto

import (
	"bytes"
	"testing"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key, err := DeriveSessionKey([]byte("shared-secret-under-test"), salt[:], MinPBKDF2Iterations)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	env, err := NewEnvelope(key)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestSealOpenRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	header := []byte{0x01, 0x01, 0x00, 0x2a}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	sealed, err := env.Seal(plaintext, header)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := env.Open(sealed, header)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestSealEmptyPlaintext(t *testing.T) {
	env := testEnvelope(t)
	sealed, err := env.Seal(nil, []byte("hdr"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := env.Open(sealed, []byte("hdr"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %q", got)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	env := testEnvelope(t)
	header := []byte{0x01}
	sealed, err := env.Seal([]byte("payload"), header)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[IVSize] ^= 0xFF // flip a ciphertext byte

	if _, err := env.Open(sealed, header); err == nil {
		t.Fatal("expected authentication failure, got nil error")
	}
}

func TestOpenRejectsWrongHeader(t *testing.T) {
	env := testEnvelope(t)
	sealed, err := env.Seal([]byte("payload"), []byte("header-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := env.Open(sealed, []byte("header-b")); err == nil {
		t.Fatal("expected authentication failure for mismatched header, got nil")
	}
}

func TestOpenRejectsShortCiphertext(t *testing.T) {
	env := testEnvelope(t)
	if _, err := env.Open([]byte{1, 2, 3}, nil); err != ErrShortCiphertext {
		t.Fatalf("expected ErrShortCiphertext, got %v", err)
	}
}

func TestHeaderTokenRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	prefix := []byte{0x01, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	tok := env.HeaderToken(prefix)
	if !env.VerifyHeaderToken(prefix, tok) {
		t.Fatal("expected header token to verify")
	}
	tok[0] ^= 0xFF
	if env.VerifyHeaderToken(prefix, tok) {
		t.Fatal("expected tampered header token to fail verification")
	}
}

func TestDeriveSessionKeyRejectsLowIterations(t *testing.T) {
	salt, _ := NewSalt()
	if _, err := DeriveSessionKey([]byte("secret"), salt[:], 10); err == nil {
		t.Fatal("expected error for iteration count below minimum")
	}
}

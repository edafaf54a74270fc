// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package crypto implements the authenticated-encryption envelope used to
// protect PeerCrypt chunk and control payloads: AES-256-CBC for
// confidentiality and HMAC-SHA-256 for authenticity, composed
// encrypt-then-MAC, with PBKDF2 session-key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the AES block size used as the CBC initialization vector.
	IVSize = aes.BlockSize // 16 bytes, 128 bits
	// MACSize is the full HMAC-SHA-256 tag length appended to every envelope.
	MACSize = sha256.Size // 32 bytes, 256 bits
	// SaltSize is the per-session PBKDF2 salt length exchanged in INIT.
	SaltSize = 16 // 128 bits
	// MinPBKDF2Iterations is the floor on key-derivation work factor (§4.1).
	MinPBKDF2Iterations = 100_000
)

// ErrAuthenticationFailed is returned when MAC verification fails. Callers
// must drop the frame and increment a MAC-failure counter without further
// processing (§4.1, §7).
var ErrAuthenticationFailed = errors.New("crypto: authentication failed")

// ErrShortCiphertext is returned when a sealed blob is too small to contain
// an IV and MAC.
var ErrShortCiphertext = errors.New("crypto: ciphertext shorter than IV+MAC")

// DeriveSessionKey derives a 32-byte AES-256 key from a shared secret and a
// per-session salt using PBKDF2-HMAC-SHA256. iterations must be at least
// MinPBKDF2Iterations; callers that accept a negotiated iteration count from
// a peer must clamp it themselves before calling this.
func DeriveSessionKey(sharedSecret, salt []byte, iterations int) ([]byte, error) {
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("crypto: pbkdf2 iterations %d below minimum %d", iterations, MinPBKDF2Iterations)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("crypto: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	return pbkdf2.Key(sharedSecret, salt, iterations, KeySize, sha256.New), nil
}

// NewSalt generates a fresh random per-session PBKDF2 salt for INIT.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return salt, nil
}

// Envelope seals and opens chunk/control payloads under a single session key.
// It is safe for concurrent use; all state is the immutable derived key.
type Envelope struct {
	encKey  []byte // first half of the derived key material, used for AES-CBC
	macKey  []byte // second half, used for HMAC-SHA256
	headKey []byte // key used for the frame-header truncated HMAC token
}

// NewEnvelope builds an Envelope from a session key produced by
// DeriveSessionKey. The session key is expanded (via HMAC-based domain
// separation, not re-run through PBKDF2) into independent encryption, MAC
// and header-authentication subkeys so a single negotiated secret serves all
// three roles without key reuse across algorithms.
func NewEnvelope(sessionKey []byte) (*Envelope, error) {
	if len(sessionKey) != KeySize {
		return nil, fmt.Errorf("crypto: session key must be %d bytes, got %d", KeySize, len(sessionKey))
	}
	return &Envelope{
		encKey:  expand(sessionKey, "peercrypt-enc", KeySize),
		macKey:  expand(sessionKey, "peercrypt-mac", KeySize),
		headKey: expand(sessionKey, "peercrypt-hdr", KeySize),
	}, nil
}

// expand derives an independent subkey from the session key via
// HMAC-SHA256(sessionKey, label), truncated/repeated to n bytes.
func expand(sessionKey []byte, label string, n int) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(label))
	sum := mac.Sum(nil)
	out := make([]byte, n)
	copy(out, sum)
	for len(sum) < n {
		mac.Reset()
		mac.Write(sum)
		sum = mac.Sum(nil)
		copy(out[len(sum):], sum)
	}
	return out
}

// Seal encrypts plaintext under AES-256-CBC with a fresh random IV and
// authenticates IV||ciphertext||header with HMAC-SHA256, returning
// IV || ciphertext || tag. header is associated data (e.g. the wire frame's
// fixed fields) that is authenticated but not encrypted or included in the
// output; the caller already has it and re-supplies it on Open.
func (e *Envelope) Seal(plaintext, header []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.encKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	var iv [IVSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generating iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, IVSize+len(ciphertext)+MACSize)
	out = append(out, iv[:]...)
	out = append(out, ciphertext...)

	tag := e.tag(iv[:], ciphertext, header)
	out = append(out, tag...)
	return out, nil
}

// Open verifies and decrypts a blob produced by Seal. header must be the
// same associated data passed to Seal. Returns ErrAuthenticationFailed
// (wrapped) if the MAC does not verify; plaintext is never returned in that
// case.
func (e *Envelope) Open(sealed, header []byte) ([]byte, error) {
	if len(sealed) < IVSize+MACSize {
		return nil, ErrShortCiphertext
	}

	iv := sealed[:IVSize]
	ciphertext := sealed[IVSize : len(sealed)-MACSize]
	gotTag := sealed[len(sealed)-MACSize:]

	wantTag := e.tag(iv, ciphertext, header)
	if subtle.ConstantTimeCompare(gotTag, wantTag) != 1 {
		return nil, ErrAuthenticationFailed
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ciphertext not a multiple of block size")
	}

	block, err := aes.NewCipher(e.encKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded)
	if err != nil {
		// A corrupt pad after a verified MAC should not happen; treat as an
		// authentication failure rather than leaking padding-oracle detail.
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func (e *Envelope) tag(iv, ciphertext, header []byte) []byte {
	mac := hmac.New(sha256.New, e.macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(header)
	return mac.Sum(nil)
}

// HeaderToken computes the truncated 8-byte HMAC authentication token
// carried in the fixed frame header (§6.1 offset 14), over the header bytes
// preceding it. It lets a receiver reject a corrupted/forged header cheaply
// before attempting to decrypt the (possibly large) payload.
func (e *Envelope) HeaderToken(headerPrefix []byte) [8]byte {
	mac := hmac.New(sha256.New, e.headKey)
	mac.Write(headerPrefix)
	sum := mac.Sum(nil)
	var tok [8]byte
	copy(tok[:], sum)
	return tok
}

// VerifyHeaderToken reports whether tok matches the expected truncated HMAC
// over headerPrefix.
func (e *Envelope) VerifyHeaderToken(headerPrefix []byte, tok [8]byte) bool {
	want := e.HeaderToken(headerPrefix)
	return subtle.ConstantTimeCompare(tok[:], want[:]) == 1
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("crypto: empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("crypto: invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("crypto: invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

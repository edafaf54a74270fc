// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package coordinator implements the sending side of a transfer session
// (§4.4, §4.5): performing the INIT handshake, driving a pluggable
// transmission Policy's send/retransmit decisions, and carrying the
// transfer.Session state machine through to COMPLETED or ERROR.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/compress"
	"github.com/nishisan-dev/peercrypt/internal/crypto"
	"github.com/nishisan-dev/peercrypt/internal/policy"
	"github.com/nishisan-dev/peercrypt/internal/protocol"
	"github.com/nishisan-dev/peercrypt/internal/receiver"
	"github.com/nishisan-dev/peercrypt/internal/stats"
	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// DefaultRTOTimeout is the retransmission timeout used by policies (Normal,
// TokenBucket) that do not estimate their own RTO; AIMD uses its own
// RFC 6298 estimate instead (Coordinator.rto consults it directly).
const DefaultRTOTimeout = 2 * time.Second

// DefaultMaxConsecutiveTimeouts bounds how many back-to-back RTO expiries a
// session tolerates before giving up (§4.4: EventUnrecoverableTimeout).
const DefaultMaxConsecutiveTimeouts = 8

// Config tunes a Coordinator.
type Config struct {
	// ChunkSize is the fixed payload size of every DATA frame but the last.
	ChunkSize int
	// PBKDF2Iterations is the work factor used to derive both the
	// bootstrap and the real per-session key; must be >= crypto.MinPBKDF2Iterations.
	PBKDF2Iterations int
	// Policy is the transmission policy driving send/retransmit timing.
	Policy policy.Policy
	// RTOTimeout overrides DefaultRTOTimeout for policies with no RTO
	// estimate of their own.
	RTOTimeout time.Duration
	// MaxConsecutiveTimeouts overrides DefaultMaxConsecutiveTimeouts.
	MaxConsecutiveTimeouts int
	// Compress requests zstd compression of every chunk's plaintext before
	// sealing (§6.1 flag bit 5), negotiated with the receiver via INIT.
	Compress bool
	// Reconnect, if non-nil, is called to re-dial the receiver after the
	// connection passed to Send is lost mid-transfer. Send then sends a
	// fresh INIT with InitPayload.Resume set instead of failing the whole
	// session, fast-forwarding its send cursor to the receiver's reported
	// next_expected (SUPPLEMENTED FEATURES item 1). A nil Reconnect (the
	// default) preserves the original behavior: a lost connection fails Send.
	Reconnect func(ctx context.Context) (net.Conn, error)
	Logger    *slog.Logger
	// Observer receives session lifecycle notifications (§9 "Global mutable
	// statistics" re-architecture). Defaults to stats.NopObserver.
	Observer stats.Observer
}

// Result summarizes a completed Send.
type Result struct {
	SessionNonce string
	BytesSent    int64
	Duration     time.Duration
}

// Coordinator drives one outbound transfer session to completion over one
// connection. It is not safe for concurrent use by multiple goroutines; the
// Parallel and Multicast policies compose several independent Coordinators,
// one per sub-session, rather than sharing one.
type Coordinator struct {
	cfg Config
}

// New builds a Coordinator. cfg.Policy must be non-nil.
func New(cfg Config) *Coordinator {
	if cfg.RTOTimeout <= 0 {
		cfg.RTOTimeout = DefaultRTOTimeout
	}
	if cfg.MaxConsecutiveTimeouts <= 0 {
		cfg.MaxConsecutiveTimeouts = DefaultMaxConsecutiveTimeouts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = stats.NopObserver{}
	}
	return &Coordinator{cfg: cfg}
}

// Send performs the full sender-side lifecycle: derive the session key,
// authenticate and transmit INIT, stream r (size bytes, named fileName) as
// chunkSize-aligned DATA frames under the configured Policy, react to ACKs
// and RTO expiry, then FIN and await the receiver's integrity verdict.
func (c *Coordinator) Send(ctx context.Context, conn net.Conn, sharedSecret []byte, fileName string, r io.ReaderAt, size int64) (result Result, err error) {
	started := time.Now()
	logger := c.cfg.Logger.With("remote", conn.RemoteAddr(), "file", fileName)
	// If Reconnect swaps conn out mid-transfer (resumeAfterLoss), this closes
	// whichever connection is current when Send returns; the caller's own
	// conn still refers to the one it originally dialed and passed in.
	defer func() { conn.Close() }()

	salt, err := crypto.NewSalt()
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: generating salt: %w", err)
	}
	sessionKey, err := crypto.DeriveSessionKey(sharedSecret, salt[:], c.cfg.PBKDF2Iterations)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: deriving session key: %w", err)
	}
	env, err := crypto.NewEnvelope(sessionKey)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: building session envelope: %w", err)
	}

	bootstrapKey, err := crypto.DeriveSessionKey(sharedSecret, protocol.BootstrapSalt[:], c.cfg.PBKDF2Iterations)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: deriving bootstrap key: %w", err)
	}
	bootstrapEnv, err := crypto.NewEnvelope(bootstrapKey)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: building bootstrap envelope: %w", err)
	}

	checksum, err := hashReaderAt(r, size)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: hashing file: %w", err)
	}

	nonce := transfer.NewSessionNonce()
	logger = logger.With("session", nonce)

	c.cfg.Observer.SessionStarted(nonce, conn.RemoteAddr().String(), c.cfg.Policy.Name(), fileName, size)
	var failReason string
	defer func() {
		if err != nil {
			reason := failReason
			if reason == "" {
				reason = "error"
			}
			c.cfg.Observer.SessionFailed(nonce, reason, time.Since(started))
		}
	}()

	initPayload, err := protocol.EncodeInitPayload(protocol.InitPayload{
		SessionNonce: nonce,
		SaltHex:      hex.EncodeToString(salt[:]),
		Iterations:   c.cfg.PBKDF2Iterations,
		FileName:     fileName,
		FileSize:     size,
		ChunkSize:    c.cfg.ChunkSize,
		SHA256Hex:    hex.EncodeToString(checksum[:]),
		Compressed:   c.cfg.Compress,
	})
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: encoding INIT: %w", err)
	}

	sess := transfer.NewSession()
	sess.OnTransition(func(from, to transfer.State, ev transfer.Event) {
		logger.Debug("session transition", "from", from, "to", to, "event", ev)
	})
	if _, err := sess.Fire(transfer.EventInitiateSend); err != nil {
		return Result{}, fmt.Errorf("coordinator: session: entering CONNECTING: %w", err)
	}

	if err := sendFrame(conn, bootstrapEnv, protocol.TypeInit, 0, initPayload); err != nil {
		return Result{}, fmt.Errorf("coordinator: sending INIT: %w", err)
	}

	ackOfInit, err := protocol.ReadFrame(conn)
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: reading ACK-of-INIT: %w", err)
	}
	if ackOfInit.Type != protocol.TypeACK {
		return Result{}, fmt.Errorf("coordinator: expected ACK-of-INIT, got frame type %d", ackOfInit.Type)
	}
	if !env.VerifyHeaderToken(protocol.HeaderPrefix(ackOfInit), ackOfInit.HeaderToken) {
		return Result{}, fmt.Errorf("coordinator: ACK-of-INIT header authentication failed")
	}
	if _, err := sess.Fire(transfer.EventAckOfInit); err != nil {
		return Result{}, fmt.Errorf("coordinator: session: entering TRANSFER: %w", err)
	}

	outstanding := transfer.NewOutstandingSet()
	sentChunks := make(map[uint32][]byte)

	resend := func(seq uint32) {
		plaintext, ok := sentChunks[seq]
		if !ok {
			return
		}
		if err := sendDataChunk(conn, env, seq, plaintext, c.cfg.Compress); err != nil {
			logger.Warn("retransmit failed", "seq", seq, "error", err)
		}
	}
	notifyResend := func(reason string) func(seq uint32) {
		return func(seq uint32) {
			resend(seq)
			c.cfg.Observer.ChunkRetransmitted(nonce, seq, reason)
		}
	}
	if aimd, ok := c.cfg.Policy.(*policy.AIMD); ok {
		aimd.SetRetransmitHooks(notifyResend("fast_retransmit"), notifyResend("rto_expiry"))
	}

	totalChunks := uint32(0)
	if size > 0 {
		totalChunks = uint32((size + int64(c.cfg.ChunkSize) - 1) / int64(c.cfg.ChunkSize))
	}

	var nextSeq uint32
	var ackExpander receiver.SeqExpander
	var lastAck uint32
	haveAck := false
	consecutiveTimeouts := 0

	for nextSeq < totalChunks || outstanding.Len() > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		if nextSeq < totalChunks {
			decision := c.cfg.Policy.Step(outstanding, c.cfg.ChunkSize, time.Now())
			switch decision.Action {
			case policy.SendNow:
				plaintext, err := readChunk(r, nextSeq, c.cfg.ChunkSize, size)
				if err != nil {
					return Result{}, fmt.Errorf("coordinator: reading chunk %d: %w", nextSeq, err)
				}
				if err := sendDataChunk(conn, env, nextSeq, plaintext, c.cfg.Compress); err != nil {
					newConn, newNextSeq, rerr := c.resumeAfterLoss(ctx, env, bootstrapEnv, &ackExpander, nonce, fileName, size, salt, checksum)
					if rerr != nil {
						return Result{}, fmt.Errorf("coordinator: sending chunk %d: %w", nextSeq, err)
					}
					conn.Close()
					conn = newConn
					outstanding.AckThrough(nextSeq)
					sentChunks = make(map[uint32][]byte)
					nextSeq = newNextSeq
					continue
				}
				sentChunks[nextSeq] = plaintext
				outstanding.Add(nextSeq)
				c.cfg.Observer.ChunkSent(nonce, nextSeq, len(plaintext))
				nextSeq++
				continue
			case policy.SendAt:
				time.Sleep(time.Until(decision.At))
				continue
			case policy.WaitForAck:
				// fall through to block on the next ACK below.
			}
		}

		rto := c.rtoFor()
		if err := conn.SetReadDeadline(time.Now().Add(rto)); err != nil {
			return Result{}, fmt.Errorf("coordinator: setting read deadline: %w", err)
		}
		frame, err := protocol.ReadFrame(conn)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			if !isTimeout(err) {
				newConn, newNextSeq, rerr := c.resumeAfterLoss(ctx, env, bootstrapEnv, &ackExpander, nonce, fileName, size, salt, checksum)
				if rerr != nil {
					return Result{}, fmt.Errorf("coordinator: reading frame: %w", err)
				}
				conn.Close()
				conn = newConn
				outstanding.AckThrough(nextSeq)
				sentChunks = make(map[uint32][]byte)
				nextSeq = newNextSeq
				continue
			}
			consecutiveTimeouts++
			if consecutiveTimeouts > c.cfg.MaxConsecutiveTimeouts {
				sess.Fire(transfer.EventUnrecoverableTimeout)
				failReason = "unrecoverable_timeout"
				return Result{}, fmt.Errorf("coordinator: %d consecutive RTO expiries, giving up", consecutiveTimeouts)
			}
			if aimd, ok := c.cfg.Policy.(*policy.AIMD); ok {
				aimd.ExpireRTO()
			} else if seq, ok := outstanding.Lowest(); ok {
				notifyResend("rto_expiry")(seq)
			}
			continue
		}
		consecutiveTimeouts = 0

		if !env.VerifyHeaderToken(protocol.HeaderPrefix(frame), frame.HeaderToken) {
			logger.Warn("dropping frame failing header authentication", "type", frame.Type)
			continue
		}

		switch frame.Type {
		case protocol.TypeACK:
			cumSeq := ackExpander.Expand(frame.Sequence)
			isDup := haveAck && cumSeq <= lastAck
			c.cfg.Observer.AckReceived(nonce, cumSeq, isDup)
			outstanding.AckThrough(cumSeq)
			for seq := range sentChunks {
				if seq <= cumSeq {
					delete(sentChunks, seq)
				}
			}
			c.cfg.Policy.OnAck(policy.AckInfo{
				CumulativeSeq:   cumSeq,
				IsDuplicate:     isDup,
				TimestampEchoMs: frame.TimestampMs,
				Now:             time.Now(),
			})
			if !haveAck || cumSeq > lastAck {
				lastAck = cumSeq
				haveAck = true
			}

		case protocol.TypeError:
			sess.Fire(transfer.EventErrorFrame)
			failReason = "error_frame"
			return Result{}, fmt.Errorf("coordinator: receiver reported an error frame")

		case protocol.TypeRST:
			failReason = "rst"
			return Result{}, fmt.Errorf("coordinator: receiver sent RST, aborting")

		default:
			logger.Debug("ignoring frame type outside the send loop", "type", frame.Type)
		}
	}

	if _, err := sess.Fire(transfer.EventLastChunkAcked); err != nil {
		return Result{}, fmt.Errorf("coordinator: session: entering VALIDATING: %w", err)
	}
	if err := sendFrame(conn, env, protocol.TypeFin, 0, nil); err != nil {
		return Result{}, fmt.Errorf("coordinator: sending FIN: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.rtoFor())); err != nil {
		return Result{}, fmt.Errorf("coordinator: setting read deadline: %w", err)
	}
	finResp, err := protocol.ReadFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return Result{}, fmt.Errorf("coordinator: reading ACK-of-FIN: %w", err)
	}
	if !env.VerifyHeaderToken(protocol.HeaderPrefix(finResp), finResp.HeaderToken) {
		return Result{}, fmt.Errorf("coordinator: ACK-of-FIN header authentication failed")
	}

	switch finResp.Type {
	case protocol.TypeACK:
		if _, err := sess.Fire(transfer.EventValidationSuccess); err != nil {
			return Result{}, fmt.Errorf("coordinator: session: entering COMPLETED: %w", err)
		}
	case protocol.TypeError:
		sess.Fire(transfer.EventValidationFailure)
		failReason = "checksum_mismatch"
		return Result{}, fmt.Errorf("coordinator: receiver reported a checksum mismatch")
	default:
		return Result{}, fmt.Errorf("coordinator: unexpected frame type %d after FIN", finResp.Type)
	}

	duration := time.Since(started)
	c.cfg.Observer.SessionCompleted(nonce, size, duration)
	logger.Info("transfer completed", "bytes", size, "duration", duration)
	return Result{SessionNonce: nonce, BytesSent: size, Duration: duration}, nil
}

// resumeAfterLoss re-dials the receiver via c.cfg.Reconnect and sends a
// fresh INIT with Resume set, reusing the session's existing nonce/salt/
// checksum so the receiver's in-memory session (keyed by SessionNonce) is
// recognized rather than treated as a new transfer (SUPPLEMENTED FEATURES
// item 1). It returns the new connection and the cumulative sequence the
// receiver reports as next_expected, expanded through the same ackExpander
// the main loop uses for ordinary ACKs so a wrap around 65536 is resolved
// consistently. If c.cfg.Reconnect is nil, resuming is not configured and
// the caller should treat the original connection loss as fatal.
func (c *Coordinator) resumeAfterLoss(ctx context.Context, env, bootstrapEnv *crypto.Envelope, ackExpander *receiver.SeqExpander, nonce, fileName string, size int64, salt [16]byte, checksum [32]byte) (net.Conn, uint32, error) {
	if c.cfg.Reconnect == nil {
		return nil, 0, fmt.Errorf("coordinator: connection lost and no reconnect dialer configured")
	}

	newConn, err := c.cfg.Reconnect(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("coordinator: reconnecting: %w", err)
	}

	initPayload, err := protocol.EncodeInitPayload(protocol.InitPayload{
		SessionNonce: nonce,
		SaltHex:      hex.EncodeToString(salt[:]),
		Iterations:   c.cfg.PBKDF2Iterations,
		FileName:     fileName,
		FileSize:     size,
		ChunkSize:    c.cfg.ChunkSize,
		SHA256Hex:    hex.EncodeToString(checksum[:]),
		Compressed:   c.cfg.Compress,
		Resume:       true,
	})
	if err != nil {
		newConn.Close()
		return nil, 0, fmt.Errorf("coordinator: encoding RESUME INIT: %w", err)
	}
	if err := sendFrame(newConn, bootstrapEnv, protocol.TypeInit, 0, initPayload); err != nil {
		newConn.Close()
		return nil, 0, fmt.Errorf("coordinator: sending RESUME INIT: %w", err)
	}

	ack, err := protocol.ReadFrame(newConn)
	if err != nil {
		newConn.Close()
		return nil, 0, fmt.Errorf("coordinator: reading ACK-of-RESUME: %w", err)
	}
	if ack.Type != protocol.TypeACK {
		newConn.Close()
		return nil, 0, fmt.Errorf("coordinator: expected ACK-of-RESUME, got frame type %d", ack.Type)
	}
	if !env.VerifyHeaderToken(protocol.HeaderPrefix(ack), ack.HeaderToken) {
		newConn.Close()
		return nil, 0, fmt.Errorf("coordinator: ACK-of-RESUME header authentication failed")
	}

	return newConn, ackExpander.Expand(ack.Sequence), nil
}

// rtoFor returns the retransmission timeout to wait on the next ACK for:
// AIMD's own RFC 6298 estimate if the configured policy is AIMD, otherwise
// the coordinator's fixed RTOTimeout.
func (c *Coordinator) rtoFor() time.Duration {
	if aimd, ok := c.cfg.Policy.(*policy.AIMD); ok {
		return aimd.RTO()
	}
	return c.cfg.RTOTimeout
}

// isTimeout reports whether err is a network timeout, as produced by a
// deadline set via SetReadDeadline expiring.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// sendFrame builds, authenticates, and writes a non-DATA frame (INIT/ACK/
// FIN/RST/ERROR) in one step; payload, if any, is carried in the clear
// (authenticated by the header token only, not sealed).
func sendFrame(w io.Writer, env *crypto.Envelope, typ byte, seq uint16, payload []byte) error {
	f := protocol.Frame{
		Version:     protocol.ProtocolVersion,
		Type:        typ,
		Sequence:    seq,
		TimestampMs: uint32(time.Now().UnixMilli()),
		Payload:     payload,
	}
	f.HeaderToken = env.HeaderToken(protocol.HeaderPrefix(f))
	return protocol.WriteFrame(w, f)
}

// sendDataChunk seals plaintext under env and writes it as a DATA frame at
// wire sequence uint16(seq) (wrapping at 65536, reconstructed on the
// receiving end by receiver.SeqExpander). When compressChunk is set,
// plaintext is run through compress.Compress first and FlagCompressed is
// set on the frame, so the receiver knows to reverse that step after Open
// rather than handing the opened bytes straight to the assembler. The
// frame's header — and therefore the Seal/Open associated data — must carry
// the final ciphertext length, so the length is predicted from the
// post-compression plaintext length (PKCS7 padding is deterministic)
// before Seal runs, letting the AD be fixed up front rather than computed
// from output that does not exist yet.
func sendDataChunk(w io.Writer, env *crypto.Envelope, seq uint32, plaintext []byte, compressChunk bool) error {
	var flags uint16
	if compressChunk {
		compressed, err := compress.Compress(plaintext)
		if err != nil {
			return fmt.Errorf("compressing chunk %d: %w", seq, err)
		}
		plaintext = compressed
		flags |= protocol.FlagCompressed
	}

	f := protocol.Frame{
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeData,
		Sequence:    uint16(seq),
		TimestampMs: uint32(time.Now().UnixMilli()),
		Flags:       flags,
		Payload:     make([]byte, sealedLength(len(plaintext))),
	}
	header := protocol.HeaderPrefix(f)
	sealed, err := env.Seal(plaintext, header)
	if err != nil {
		return fmt.Errorf("sealing chunk %d: %w", seq, err)
	}
	if len(sealed) != len(f.Payload) {
		return fmt.Errorf("sealed length %d did not match predicted length %d", len(sealed), len(f.Payload))
	}
	f.Payload = sealed
	f.HeaderToken = env.HeaderToken(protocol.HeaderPrefix(f))
	return protocol.WriteFrame(w, f)
}

// sealedLength predicts the byte length of Envelope.Seal's output for a
// plaintext of length n: IV || PKCS7-padded ciphertext || MAC.
func sealedLength(n int) int {
	const blockSize = 16
	padLen := blockSize - n%blockSize
	return crypto.IVSize + n + padLen + crypto.MACSize
}

// readChunk reads the seq'th chunkSize-aligned slice of r (sized size
// bytes), which may be shorter than chunkSize if it is the final chunk.
func readChunk(r io.ReaderAt, seq uint32, chunkSize int, size int64) ([]byte, error) {
	offset := int64(seq) * int64(chunkSize)
	remaining := size - offset
	if remaining <= 0 {
		return nil, fmt.Errorf("coordinator: chunk %d is past end of file (offset %d, size %d)", seq, offset, size)
	}
	n := int64(chunkSize)
	if remaining < n {
		n = remaining
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && int64(read) == n) {
		return nil, err
	}
	return buf[:read], nil
}

// hashReaderAt computes the SHA-256 of the first size bytes of r, used to
// populate INIT's file-level checksum before any chunk is sent.
func hashReaderAt(r io.ReaderAt, size int64) ([32]byte, error) {
	h := sha256.New()
	buf := make([]byte, 64*1024)
	var offset int64
	for offset < size {
		n := int64(len(buf))
		if size-offset < n {
			n = size - offset
		}
		read, err := r.ReadAt(buf[:n], offset)
		if err != nil && !(err == io.EOF && int64(read) == n) {
			return [32]byte{}, err
		}
		h.Write(buf[:read])
		offset += int64(read)
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/compress"
	"github.com/nishisan-dev/peercrypt/internal/config"
	"github.com/nishisan-dev/peercrypt/internal/crypto"
	"github.com/nishisan-dev/peercrypt/internal/protocol"
	"github.com/nishisan-dev/peercrypt/internal/stats"
	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// maxCryptoFailures is the number of dropped MAC/decrypt failures tolerated
// before a session is considered unrecoverable (§7: "if failure rate exceeds
// threshold, transition to ERROR").
const maxCryptoFailures = 5

// Handler accepts inbound transfer sessions and drives their receiver-side
// lifecycle: INIT validation, chunk reassembly via Assembler, ACK emission,
// and FIN-time integrity verification.
type Handler struct {
	DataDir             string
	SharedSecret        []byte
	BootstrapIterations int
	MaxPendingBytes     int64
	Logger              *slog.Logger

	// Observer receives session lifecycle notifications, mirroring
	// coordinator.Config.Observer on the sender side. Defaults to
	// stats.NopObserver.
	Observer stats.Observer

	// Registry holds sessions a dropped connection left mid-TRANSFER so a
	// later RESUME INIT for the same session_nonce (SUPPLEMENTED FEATURES
	// item 1) is recognized as a continuation. Always non-nil after
	// NewHandler; a background goroutine should call Registry.Sweep
	// periodically (see cmd/peercrypt-recv) to bound how long an abandoned
	// session's staging file lingers.
	Registry *SessionRegistry

	// FlowRotation enables SUPPLEMENTED FEATURES item 2: a session whose
	// throughput stays below MinMBps for EvalWindow has its connection
	// force-closed (no more often than every Cooldown), falling into the
	// same held-session/RESUME path as an ordinary dropped connection.
	// Disabled (the zero value) by default.
	FlowRotation config.FlowRotationConfig
}

// NewHandler builds a Handler. bootstrapIterations must be at least
// crypto.MinPBKDF2Iterations.
func NewHandler(dataDir string, sharedSecret []byte, bootstrapIterations int, logger *slog.Logger) *Handler {
	return &Handler{
		DataDir:             dataDir,
		SharedSecret:        sharedSecret,
		BootstrapIterations: bootstrapIterations,
		Logger:              logger,
		Observer:            stats.NopObserver{},
		Registry:            NewSessionRegistry(),
	}
}

// HandleConnection drives one inbound session to completion: it blocks until
// the peer closes the connection, an unrecoverable error occurs, or the
// session reaches a terminal state and the connection is closed locally.
func (h *Handler) HandleConnection(conn net.Conn) {
	defer conn.Close()

	started := time.Now()
	logger := h.Logger.With("remote", conn.RemoteAddr())
	observer := h.Observer
	if observer == nil {
		observer = stats.NopObserver{}
	}

	bootstrapKey, err := crypto.DeriveSessionKey(h.SharedSecret, protocol.BootstrapSalt[:], h.BootstrapIterations)
	if err != nil {
		logger.Error("deriving bootstrap key", "error", err)
		return
	}
	bootstrapEnv, err := crypto.NewEnvelope(bootstrapKey)
	if err != nil {
		logger.Error("building bootstrap envelope", "error", err)
		return
	}

	initFrame, err := protocol.ReadFrame(conn)
	if err != nil {
		if err != io.EOF {
			logger.Warn("reading INIT frame", "error", err)
		}
		return
	}
	if initFrame.Type != protocol.TypeInit {
		logger.Warn("expected INIT frame", "got_type", initFrame.Type)
		return
	}
	if !bootstrapEnv.VerifyHeaderToken(protocol.HeaderPrefix(initFrame), initFrame.HeaderToken) {
		logger.Warn("INIT header authentication failed")
		return
	}

	init, err := protocol.DecodeInitPayload(initFrame.Payload)
	if err != nil {
		logger.Warn("decoding INIT payload", "error", err)
		return
	}

	salt, err := hex.DecodeString(init.SaltHex)
	if err != nil || len(salt) != crypto.SaltSize {
		logger.Warn("invalid INIT salt", "error", err)
		return
	}
	sessionKey, err := crypto.DeriveSessionKey(h.SharedSecret, salt, init.Iterations)
	if err != nil {
		logger.Warn("deriving session key", "error", err)
		return
	}
	env, err := crypto.NewEnvelope(sessionKey)
	if err != nil {
		logger.Warn("building session envelope", "error", err)
		return
	}

	var checksum [32]byte
	wantChecksum, err := hex.DecodeString(init.SHA256Hex)
	if err != nil || len(wantChecksum) != len(checksum) {
		logger.Warn("invalid INIT checksum", "error", err)
		return
	}
	copy(checksum[:], wantChecksum)

	registry := h.Registry
	if registry == nil {
		registry = NewSessionRegistry()
	}

	var assembler *Assembler
	var outPath string
	var sess *transfer.Session

	if init.Resume {
		hs, ok := registry.takeOver(init.SessionNonce)
		if !ok {
			logger.Warn("RESUME INIT for unknown or expired session", "session", init.SessionNonce)
			sendFrame(conn, env, protocol.TypeError, 0, nil)
			return
		}
		assembler = hs.assembler
		outPath = hs.outPath
		sess = hs.sess
		logger.Info("resuming session", "session", init.SessionNonce, "next_expected", assembler.NextExpected())

		if err := sendFrame(conn, env, protocol.TypeACK, uint16(assembler.NextExpected()), nil); err != nil {
			logger.Warn("sending ACK-of-RESUME", "error", err)
			registry.hold(init.SessionNonce, hs)
			return
		}
	} else {
		outPath, err = SessionOutputPath(h.DataDir, init.SessionNonce, init.FileName)
		if err != nil {
			logger.Warn("computing output path", "error", err)
			return
		}
		assembler, err = NewAssembler(outPath, int64(init.ChunkSize), 0, h.MaxPendingBytes)
		if err != nil {
			logger.Warn("creating assembler", "error", err)
			return
		}

		observer.SessionStarted(init.SessionNonce, conn.RemoteAddr().String(), "receive", init.FileName, init.FileSize)

		sess = transfer.NewSession()
		sess.OnTransition(func(from, to transfer.State, ev transfer.Event) {
			logger.Debug("session transition", "from", from, "to", to, "event", ev)
		})
		if _, err := sess.Fire(transfer.EventInitiateSend); err != nil {
			logger.Error("session: entering CONNECTING", "error", err)
			observer.SessionFailed(init.SessionNonce, "connecting_failed", time.Since(started))
			return
		}

		if err := sendFrame(conn, env, protocol.TypeACK, 0, nil); err != nil {
			logger.Warn("sending ACK-of-INIT", "error", err)
			observer.SessionFailed(init.SessionNonce, "ack_init_failed", time.Since(started))
			assembler.Cleanup(outPath)
			return
		}
		if _, err := sess.Fire(transfer.EventAckOfInit); err != nil {
			logger.Error("session: entering TRANSFER", "error", err)
			observer.SessionFailed(init.SessionNonce, "transfer_transition_failed", time.Since(started))
			assembler.Cleanup(outPath)
			return
		}
	}

	if h.FlowRotation.Enabled {
		monitorDone := make(chan struct{})
		mon := newFlowRotationMonitor(h.FlowRotation.MinMBps, h.FlowRotation.EvalWindow(), h.FlowRotation.Cooldown(), assembler, int64(init.ChunkSize), conn)
		go mon.run(monitorDone)
		defer close(monitorDone)
	}

	cryptoFailures := 0
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.Warn("reading frame", "error", err)
			}
			logger.Info("connection lost mid-transfer, holding session for possible resume", "session", init.SessionNonce)
			registry.hold(init.SessionNonce, &heldSession{
				assembler: assembler,
				outPath:   outPath,
				sess:      sess,
				chunkSize: init.ChunkSize,
				checksum:  checksum,
			})
			return
		}
		if !env.VerifyHeaderToken(protocol.HeaderPrefix(frame), frame.HeaderToken) {
			logger.Warn("frame header authentication failed", "type", frame.Type)
			continue
		}

		switch frame.Type {
		case protocol.TypeData:
			plaintext, err := env.Open(frame.Payload, protocol.HeaderPrefix(frame))
			if err != nil {
				cryptoFailures++
				logger.Warn("dropping frame failing authentication/decrypt", "seq", frame.Sequence, "failures", cryptoFailures)
				if cryptoFailures >= maxCryptoFailures {
					sess.Fire(transfer.EventErrorFrame)
					observer.SessionFailed(init.SessionNonce, "crypto_failures_exceeded", time.Since(started))
					assembler.Cleanup(outPath)
					return
				}
				continue
			}

			if frame.Flags&protocol.FlagCompressed != 0 {
				plaintext, err = compress.Decompress(plaintext)
				if err != nil {
					logger.Warn("dropping frame failing decompression", "seq", frame.Sequence, "error", err)
					continue
				}
			}

			ack, err := assembler.WriteChunk(frame.Sequence, plaintext)
			if err != nil {
				logger.Error("writing chunk", "error", err)
				sess.Fire(transfer.EventErrorFrame)
				observer.SessionFailed(init.SessionNonce, "write_chunk_failed", time.Since(started))
				assembler.Cleanup(outPath)
				return
			}
			if err := sendFrame(conn, env, protocol.TypeACK, uint16(ack), nil); err != nil {
				logger.Warn("sending ACK", "error", err)
				observer.SessionFailed(init.SessionNonce, "ack_send_failed", time.Since(started))
				assembler.Cleanup(outPath)
				return
			}

		case protocol.TypeFin:
			if _, err := sess.Fire(transfer.EventLastChunkAcked); err != nil {
				logger.Error("session: entering VALIDATING", "error", err)
				observer.SessionFailed(init.SessionNonce, "validating_transition_failed", time.Since(started))
				assembler.Cleanup(outPath)
				return
			}
			if err := assembler.Close(); err != nil {
				logger.Error("closing assembled output", "error", err)
			}

			ok, err := VerifyChecksum(outPath, checksum)
			if err != nil {
				logger.Error("verifying checksum", "error", err)
				ok = false
			}
			if !ok {
				sess.Fire(transfer.EventValidationFailure)
				sendFrame(conn, env, protocol.TypeError, 0, nil)
				observer.SessionFailed(init.SessionNonce, "checksum_mismatch", time.Since(started))
				assembler.Cleanup(outPath)
				logger.Warn("file-level checksum mismatch, discarding output")
				return
			}

			sess.Fire(transfer.EventValidationSuccess)
			finalPath, err := FinalPath(h.DataDir, init.FileName)
			if err == nil {
				if err := CommitOutput(outPath, finalPath); err != nil {
					logger.Error("committing output", "error", err)
				}
			}
			if err := sendFrame(conn, env, protocol.TypeACK, uint16(assembler.NextExpected()), nil); err != nil {
				logger.Warn("sending ACK-of-FIN", "error", err)
			}
			observer.SessionCompleted(init.SessionNonce, init.FileSize, time.Since(started))
			logger.Info("transfer completed", "session", init.SessionNonce, "duration", time.Since(started))
			return

		case protocol.TypeRST:
			logger.Info("received RST, aborting session", "session", init.SessionNonce)
			observer.SessionFailed(init.SessionNonce, "peer_reset", time.Since(started))
			assembler.Cleanup(outPath)
			return

		case protocol.TypeError:
			sess.Fire(transfer.EventErrorFrame)
			observer.SessionFailed(init.SessionNonce, "peer_error_frame", time.Since(started))
			assembler.Cleanup(outPath)
			logger.Warn("received ERROR frame from peer", "session", init.SessionNonce)
			return

		default:
			logger.Debug("ignoring frame type outside the reassembly path", "type", frame.Type)
		}
	}
}

// sendFrame builds, authenticates, and writes a frame in one step.
func sendFrame(w io.Writer, env *crypto.Envelope, typ byte, seq uint16, payload []byte) error {
	f := protocol.Frame{
		Version:     protocol.ProtocolVersion,
		Type:        typ,
		Sequence:    seq,
		TimestampMs: uint32(time.Now().UnixMilli()),
		Payload:     payload,
	}
	f.HeaderToken = env.HeaderToken(protocol.HeaderPrefix(f))
	if err := protocol.WriteFrame(w, f); err != nil {
		return fmt.Errorf("receiver: writing frame type %d: %w", typ, err)
	}
	return nil
}

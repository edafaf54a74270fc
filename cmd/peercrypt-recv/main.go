// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Command peercrypt-recv is the thin CLI entry point for the receiving side
// of a transfer: it loads a YAML configuration, binds a listening endpoint,
// and hands every inbound connection to internal/receiver.Handler. It logs
// one structured line per session lifecycle event rather than rendering a
// UI.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/config"
	"github.com/nishisan-dev/peercrypt/internal/logging"
	"github.com/nishisan-dev/peercrypt/internal/membership"
	"github.com/nishisan-dev/peercrypt/internal/receiver"
	"github.com/nishisan-dev/peercrypt/internal/stats"
	"github.com/nishisan-dev/peercrypt/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/peercrypt/receiver.yaml", "path to receiver YAML config")
	secretFile := flag.String("secret-file", "", "path to a file holding the pre-shared secret bytes")
	flag.Parse()

	if *secretFile == "" {
		fmt.Fprintln(os.Stderr, "peercrypt-recv: -secret-file is required")
		os.Exit(2)
	}

	cfg, err := config.LoadReceiverConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peercrypt-recv: loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	sharedSecret, err := readSecret(*secretFile)
	if err != nil {
		logger.Error("reading shared secret", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, sharedSecret); err != nil {
		logger.Error("receiver exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ReceiverConfig, logger *slog.Logger, sharedSecret []byte) error {
	tlsCfg, err := transport.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	registry := stats.NewRegistry()
	transferLog, err := stats.NewTransferLog(cfg.Log.Path, cfg.Log.MaxLines)
	if err != nil {
		return fmt.Errorf("opening transfer log: %w", err)
	}
	defer transferLog.Close()

	observer := stats.NewMultiObserver(registry, transferLog, &loggingObserver{logger: logger})

	reporter := stats.NewReporter(registry, logger, cfg.Stats.ReportInterval())
	reporter.Start()
	defer reporter.Stop()

	startStatsHTTP(ctx, cfg.Stats.HTTPAddress, registry, logger)

	if !cfg.Gossip.Disable {
		startGossip(ctx, cfg, logger)
	}

	handler := receiver.NewHandler(cfg.OutputDir, sharedSecret, cfg.PBKDF2Iterations, logger)
	handler.MaxPendingBytes = cfg.MaxPendingBytesRaw
	handler.Observer = observer
	handler.FlowRotation = cfg.FlowRotation

	go func() {
		ticker := time.NewTicker(receiver.DefaultResumeRetention / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				handler.Registry.DiscardAll()
				return
			case <-ticker.C:
				handler.Registry.Sweep(receiver.DefaultResumeRetention)
			}
		}
	}()

	ln, err := tls.Listen("tcp", cfg.Listen.Address, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}
	defer ln.Close()

	logger.Info("peercrypt-recv listening", "address", cfg.Listen.Address)
	return receiver.Run(ctx, ln, handler, logger)
}

// loggingObserver turns session lifecycle notifications into structured log
// lines, giving a long-lived receiver process one record per inbound
// session milestone instead of a single aggregate at exit.
type loggingObserver struct {
	logger *slog.Logger
}

func (l *loggingObserver) SessionStarted(nonce, peer, policyName, fileName string, size int64) {
	l.logger.Info("session started", "session", nonce, "peer", peer, "file", fileName, "size", size)
}

func (l *loggingObserver) ChunkSent(nonce string, seq uint32, bytes int) {}

func (l *loggingObserver) ChunkRetransmitted(nonce string, seq uint32, reason string) {}

func (l *loggingObserver) AckReceived(nonce string, cumulativeSeq uint32, isDuplicate bool) {}

func (l *loggingObserver) SessionCompleted(nonce string, bytesWritten int64, duration time.Duration) {
	l.logger.Info("session completed", "session", nonce, "bytes_written", bytesWritten, "duration", duration)
}

func (l *loggingObserver) SessionFailed(nonce, reason string, duration time.Duration) {
	l.logger.Warn("session failed", "session", nonce, "reason", reason, "duration", duration)
}

func startGossip(ctx context.Context, cfg *config.ReceiverConfig, logger *slog.Logger) {
	table := membership.NewTable()
	clientTLSCfg, err := transport.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		logger.Warn("gossip disabled: building client TLS config failed", "error", err)
		return
	}

	dial := func(addr string, port uint16) (net.Conn, error) {
		return dialTLS(ctx, fmt.Sprintf("%s:%d", addr, port), clientTLSCfg)
	}

	g := membership.NewGossiper(cfg.Node.NodeID, table, dial, logger)
	g.SetTuning(cfg.Gossip.GossipInterval(), cfg.Gossip.Fanout, cfg.Gossip.SampleSize)

	sampler := transport.NewLoadSampler(logger)
	sampler.Start()
	g.SetLoadSampler(sampler.Sample)

	if cfg.Gossip.ListenAddress != "" {
		serverTLSCfg, err := transport.NewServerTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			logger.Warn("inbound gossip disabled: building server TLS config failed", "error", err)
		} else {
			ln, err := tls.Listen("tcp", cfg.Gossip.ListenAddress, serverTLSCfg)
			if err != nil {
				logger.Warn("inbound gossip disabled: listen failed", "address", cfg.Gossip.ListenAddress, "error", err)
			} else {
				go membership.Serve(ctx, ln, g, logger)
			}
		}
	}

	g.Start()
	go func() {
		<-ctx.Done()
		g.Stop()
		sampler.Stop()
	}()
}

func dialTLS(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// startStatsHTTP serves stats.NewRouter on addr if addr is non-empty, giving
// an operator /healthz, /metrics, and /api/v1/sessions for this long-lived
// receiver process. It shuts down when ctx is cancelled.
func startStatsHTTP(ctx context.Context, addr string, registry *stats.Registry, logger *slog.Logger) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: stats.NewRouter(registry)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("stats HTTP server exited", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func readSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Command peercrypt-send drives one outbound transfer: load the sender
// configuration, derive the transmission policy it names, dial the target
// over mutually authenticated TLS, and run the session coordinator to
// completion. It is a thin wrapper over the library packages — no
// interactive shell or progress bar, just flags in and a JSON summary out.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/config"
	"github.com/nishisan-dev/peercrypt/internal/coordinator"
	"github.com/nishisan-dev/peercrypt/internal/logging"
	"github.com/nishisan-dev/peercrypt/internal/membership"
	"github.com/nishisan-dev/peercrypt/internal/policy"
	"github.com/nishisan-dev/peercrypt/internal/stats"
	"github.com/nishisan-dev/peercrypt/internal/transfer"
	"github.com/nishisan-dev/peercrypt/internal/transport"
)

// summary is the JSON object printed to stdout once the run finishes; for
// Parallel/Multicast it aggregates all sub-sessions.
type summary struct {
	SessionNonce string `json:"session_nonce,omitempty"`
	Target       string `json:"target"`
	File         string `json:"file"`
	PolicyMode   string `json:"policy_mode"`
	BytesSent    int64  `json:"bytes_sent,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
}

func main() {
	configPath := flag.String("config", "/etc/peercrypt/sender.yaml", "path to sender config file")
	secretFile := flag.String("secret-file", "", "path to the pre-shared secret used for session key derivation")
	target := flag.String("target", "", "receiver address, host:port")
	filePath := flag.String("file", "", "path of the file to send")
	flag.Parse()

	if *target == "" || *filePath == "" || *secretFile == "" {
		fmt.Fprintln(os.Stderr, "usage: peercrypt-send -target host:port -file path -secret-file path [-config path]")
		os.Exit(2)
	}

	cfg, err := config.LoadSenderConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	sharedSecret, err := readSecret(*secretFile)
	if err != nil {
		logger.Error("reading shared secret", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := run(ctx, cfg, logger, sharedSecret, *target, *filePath)
	if err != nil {
		emit(summary{Target: *target, File: *filePath, PolicyMode: cfg.Policy.Mode, Outcome: "error", Error: err.Error()})
		os.Exit(1)
	}
	emit(result)
}

func run(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger, sharedSecret []byte, target, filePath string) (summary, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return summary{}, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return summary{}, fmt.Errorf("statting file: %w", err)
	}

	tlsCfg, err := transport.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return summary{}, fmt.Errorf("building TLS config: %w", err)
	}

	registry := stats.NewRegistry()
	transferLog, err := stats.NewTransferLog(cfg.Log.Path, cfg.Log.MaxLines)
	if err != nil {
		return summary{}, fmt.Errorf("opening transfer log: %w", err)
	}
	defer transferLog.Close()
	observer := stats.NewMultiObserver(registry, transferLog)

	reporter := stats.NewReporter(registry, logger, cfg.Stats.ReportInterval())
	reporter.Start()
	defer reporter.Stop()

	startStatsHTTP(ctx, cfg.Stats.HTTPAddress, registry, logger)

	if !cfg.Gossip.Disable {
		startGossip(ctx, cfg, logger)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Policy.Mode)) {
	case "parallel":
		return runParallel(ctx, cfg, logger, sharedSecret, target, filePath, f, info.Size(), tlsCfg, observer)
	case "multicast":
		return runMulticast(ctx, cfg, logger, sharedSecret, filePath, f, info.Size(), tlsCfg, observer)
	default:
		pol, err := buildPolicy(cfg)
		if err != nil {
			return summary{}, err
		}
		return sendOnce(ctx, cfg, logger, sharedSecret, target, filePath, f, info.Size(), tlsCfg, pol, observer)
	}
}

// sendOnce dials target once and drives a single Coordinator.Send call to
// completion, used by every mode except Parallel/Multicast, which dial
// several targets/ranges concurrently (see runParallel/runMulticast).
func sendOnce(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger, sharedSecret []byte, target, fileName string, r io.ReaderAt, size int64, tlsCfg *tls.Config, pol policy.Policy, observer stats.Observer) (summary, error) {
	conn, err := dialTLS(ctx, target, tlsCfg, dscpForPolicy(cfg))
	if err != nil {
		return summary{}, fmt.Errorf("dialing %s: %w", target, err)
	}
	defer conn.Close()

	coord := coordinator.New(coordinator.Config{
		ChunkSize:        int(cfg.Transfer.ChunkSizeRaw),
		PBKDF2Iterations: cfg.Transfer.PBKDF2Iterations,
		Policy:           pol,
		Compress:         cfg.Transfer.CompressionEnabled,
		Reconnect: func(ctx context.Context) (net.Conn, error) {
			return dialTLS(ctx, target, tlsCfg, dscpForPolicy(cfg))
		},
		Logger:   logger,
		Observer: observer,
	})

	result, err := coord.Send(ctx, conn, sharedSecret, fileName, r, size)
	if err != nil {
		return summary{}, err
	}

	return summary{
		SessionNonce: result.SessionNonce,
		Target:       target,
		File:         fileName,
		PolicyMode:   cfg.Policy.Mode,
		BytesSent:    result.BytesSent,
		DurationMs:   result.Duration.Milliseconds(),
		Outcome:      "completed",
	}, nil
}

// runParallel splits the file into cfg.Policy.Parallel.Threads ranges and
// sends each range to target over its own connection concurrently, each
// driven by an independent Coordinator built around an io.NewSectionReader
// view of the shared file handle. Range splitting and overall pass/fail
// bookkeeping are delegated to policy.Parallel/policy.Worker (§4.5.5): each
// worker's own transfer.Session is driven through the same lifecycle events
// a single-connection Coordinator fires internally, so Parallel.AllCompleted/
// AnyErrored reflect the real outcome of that worker's sendOnce call rather
// than a second, parallel tally kept by hand.
func runParallel(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger, sharedSecret []byte, target, fileName string, r *os.File, size int64, tlsCfg *tls.Config, observer stats.Observer) (summary, error) {
	threads := cfg.Policy.Parallel.Threads
	if threads <= 0 {
		threads = policy.DefaultParallelWorkers
	}

	inner := make([]policy.Policy, threads)
	for i := range inner {
		inner[i] = policy.NewNormal()
	}
	par, err := policy.NewParallel(size, inner)
	if err != nil {
		return summary{}, fmt.Errorf("splitting ranges: %w", err)
	}

	type outcome struct {
		worker *policy.Worker
		res    summary
		err    error
	}
	results := make(chan outcome, len(par.Workers))

	for i, w := range par.Workers {
		go func(i int, w *policy.Worker) {
			section := io.NewSectionReader(r, w.Range.Start, w.Range.Size())
			subName := fmt.Sprintf("%s.part%d", fileName, i)
			w.Session.Fire(transfer.EventInitiateSend)
			res, err := sendOnce(ctx, cfg, logger.With("worker", i), sharedSecret, target, subName, section, w.Range.Size(), tlsCfg, w.Inner, observer)
			if err != nil {
				w.Session.Fire(transfer.EventTimeout)
			} else {
				w.Session.Fire(transfer.EventAckOfInit)
				w.Session.Fire(transfer.EventLastChunkAcked)
				w.Session.Fire(transfer.EventValidationSuccess)
			}
			results <- outcome{worker: w, res: res, err: err}
		}(i, w)
	}

	var total int64
	var maxDuration int64
	var firstErr error
	for range par.Workers {
		o := <-results
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		total += o.res.BytesSent
		if o.res.DurationMs > maxDuration {
			maxDuration = o.res.DurationMs
		}
	}
	if par.AnyErrored() || firstErr != nil {
		return summary{}, fmt.Errorf("parallel transfer: %w", firstErr)
	}
	if !par.AllCompleted() {
		return summary{}, fmt.Errorf("parallel transfer: not all workers reached COMPLETED")
	}

	return summary{
		Target:     target,
		File:       fileName,
		PolicyMode: cfg.Policy.Mode,
		BytesSent:  total,
		DurationMs: maxDuration,
		Outcome:    "completed",
	}, nil
}

// runMulticast fans the whole file out to every configured endpoint
// (§4.5.6), each over its own connection and Coordinator, run concurrently.
func runMulticast(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger, sharedSecret []byte, fileName string, r *os.File, size int64, tlsCfg *tls.Config, observer stats.Observer) (summary, error) {
	endpoints := cfg.Policy.Multicast.Endpoints
	if len(endpoints) == 0 {
		return summary{}, fmt.Errorf("multicast: no endpoints configured")
	}

	type outcome struct {
		addr string
		res  summary
		err  error
	}
	results := make(chan outcome, len(endpoints))

	for _, addr := range endpoints {
		go func(addr string) {
			section := io.NewSectionReader(r, 0, size)
			res, err := sendOnce(ctx, cfg, logger.With("endpoint", addr), sharedSecret, addr, fileName, section, size, tlsCfg, policy.NewNormal(), observer)
			results <- outcome{addr: addr, res: res, err: err}
		}(addr)
	}

	outcomes := make(map[string]string, len(endpoints))
	var total int64
	var maxDuration int64
	for range endpoints {
		o := <-results
		if o.err != nil {
			outcomes[o.addr] = "error: " + o.err.Error()
			logger.Warn("multicast endpoint failed", "endpoint", o.addr, "error", o.err)
			continue
		}
		outcomes[o.addr] = "completed"
		total += o.res.BytesSent
		if o.res.DurationMs > maxDuration {
			maxDuration = o.res.DurationMs
		}
	}

	outcomeJSON, _ := json.Marshal(outcomes)
	return summary{
		File:       fileName,
		PolicyMode: cfg.Policy.Mode,
		BytesSent:  total,
		DurationMs: maxDuration,
		Outcome:    string(outcomeJSON),
	}, nil
}

// buildPolicy constructs the single-connection Policy named by
// cfg.Policy.Mode. Parallel and Multicast are handled separately by
// runParallel/runMulticast, since they orchestrate several independent
// Coordinators rather than driving one Policy over one connection.
func buildPolicy(cfg *config.SenderConfig) (policy.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Policy.Mode)) {
	case "", "normal":
		return policy.NewNormal(), nil

	case "token_bucket":
		tb := cfg.Policy.TokenBucket
		return policy.NewTokenBucket(int(tb.CapacityRaw), tb.RateBytesPerSecond), nil

	case "aimd":
		a := cfg.Policy.AIMD
		return policy.NewAIMD(policy.AIMDConfig{
			MinWindow:                int(a.MinWindowRaw),
			MaxWindow:                int(a.MaxWindowRaw),
			InitialWindow:            int(a.WindowRaw),
			DupAckThreshold:          a.DupAckThreshold,
			MinRTO:                   time.Duration(a.MinRTOSecondsRaw),
			MaxRTO:                   time.Duration(a.MaxRTOSecondsRaw),
			DisableFastRetransmit:    a.DisableFastRetransmit,
			DisableTimeoutRetransmit: a.DisableTimeoutRetransmit,
		}, transfer.NewOutstandingSet()), nil

	case "qos":
		prio := parsePriority(cfg.Policy.QoS.Priority)
		return policy.NewQoSSession(prio, policy.NewNormal()), nil

	default:
		return nil, fmt.Errorf("unsupported policy mode %q", cfg.Policy.Mode)
	}
}

func parsePriority(s string) policy.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return policy.PriorityHigh
	case "highest":
		return policy.PriorityHighest
	default:
		return policy.PriorityNormal
	}
}

// dscpForPolicy resolves the DSCP class to mark the data connection with:
// QoS mode derives it from the configured priority level; every other mode
// leaves the connection unmarked (DSCP 0).
func dscpForPolicy(cfg *config.SenderConfig) int {
	if strings.ToLower(strings.TrimSpace(cfg.Policy.Mode)) != "qos" {
		return 0
	}
	return transport.DSCPForQoSPriority(int(parsePriority(cfg.Policy.QoS.Priority)))
}

// dialTLS dials target over plain TCP, applies dscp to the raw socket (TLS
// wrapping loses access to the underlying *net.TCPConn), then performs the
// TLS handshake.
func dialTLS(ctx context.Context, target string, tlsCfg *tls.Config, dscp int) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	if err := transport.ApplyDSCP(raw, dscp); err != nil {
		raw.Close()
		return nil, fmt.Errorf("applying DSCP: %w", err)
	}

	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return tlsConn, nil
}

// startGossip brings up this node's membership table, gossiper, and load
// sampler as background goroutines for the lifetime of the process; senders
// participate in gossip the same as receivers so peer reliability scores stay
// current regardless of which side initiates transfers.
func startGossip(ctx context.Context, cfg *config.SenderConfig, logger *slog.Logger) {
	table := membership.NewTable()
	tlsCfg, err := transport.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		logger.Warn("gossip disabled: building TLS config failed", "error", err)
		return
	}

	dial := func(addr string, port uint16) (net.Conn, error) {
		return dialTLS(ctx, fmt.Sprintf("%s:%d", addr, port), tlsCfg, 0)
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

// startStatsHTTP serves stats.NewRouter on addr if addr is non-empty, so an
// operator can scrape /metrics or poll /api/v1/sessions during a long-running
// Parallel or Multicast transfer. It shuts down when ctx is cancelled.
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

func emit(s summary) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(s)
}

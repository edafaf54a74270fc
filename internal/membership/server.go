// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package membership

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/peercrypt/internal/protocol"
)

// maxConsecutiveAcceptErrors bounds the backoff applied to repeated Accept
// failures, following the same shape as receiver.Run's accept loop.
const maxConsecutiveAcceptErrors = 5

// Serve accepts inbound gossip connections on ln until ctx is canceled,
// handing each one off to a goroutine that reads a single GossipMessage,
// passes it to g.HandleInbound, and writes back the reply (if any) before
// closing. It returns nil on a clean shutdown and a non-nil error only if
// the listener itself cannot be used at all.
func Serve(ctx context.Context, ln net.Listener, g *Gossiper, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("gossip listener shutting down")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("gossip listener shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting gossip connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > maxConsecutiveAcceptErrors {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go handleGossipConn(conn, g, logger)
	}
}

func handleGossipConn(conn net.Conn, g *Gossiper, logger *slog.Logger) {
	defer conn.Close()

	msg, err := protocol.ReadGossip(conn)
	if err != nil {
		if err != io.EOF {
			logger.Warn("reading inbound gossip message", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}

	reply, err := g.HandleInbound(msg)
	if err != nil {
		logger.Warn("handling inbound gossip message", "remote", conn.RemoteAddr(), "type", msg.Type, "error", err)
		return
	}
	if reply == nil {
		return
	}
	if err := protocol.WriteGossip(conn, *reply); err != nil {
		logger.Warn("writing gossip reply", "remote", conn.RemoteAddr(), "error", err)
	}
}

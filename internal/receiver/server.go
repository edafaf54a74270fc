// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package receiver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// maxConsecutiveAcceptErrors bounds the backoff applied to repeated Accept
// failures, following the same shape as the teacher's accept loop.
const maxConsecutiveAcceptErrors = 5

// Run accepts connections on ln until ctx is canceled, dispatching each to
// h.HandleConnection on its own goroutine. It returns nil on a clean
// shutdown (ctx canceled) and a non-nil error only if the listener itself
// cannot be used at all.
func Run(ctx context.Context, ln net.Listener, h *Handler, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info("receiver shutting down")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("receiver shutdown complete")
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
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
		go h.HandleConnection(conn)
	}
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package policy

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/peercrypt/internal/transfer"
)

// TokenBucket paces transmission to a long-term average rate with bounded
// burst, per §4.5.2: capacity b bytes, fill rate r bytes/s. It wraps
// golang.org/x/time/rate the same way the teacher's ThrottledWriter does,
// except the decision here is a non-blocking "send now or wait until T"
// rather than the writer's blocking WaitN, since the policy contract
// forbids blocking inside Step.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket builds a TokenBucket with capacity b bytes and fill rate r
// bytes/second.
func NewTokenBucket(b int, r float64) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(r), b)}
}

func (tb *TokenBucket) Name() string { return "token_bucket" }

func (tb *TokenBucket) Step(_ *transfer.OutstandingSet, nextChunkSize int, now time.Time) Decision {
	reservation := tb.limiter.ReserveN(now, nextChunkSize)
	if !reservation.OK() {
		// The chunk is larger than the bucket's total capacity and can
		// never be sent in one piece under this configuration; the
		// coordinator is expected to have chunked the file so this does
		// not happen, but fail safe by sending anyway rather than wedging.
		return Decision{Action: SendNow}
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return Decision{Action: SendNow}
	}
	reservation.Cancel() // don't consume tokens for a decision the caller may not act on yet
	return Decision{Action: SendAt, At: now.Add(delay)}
}

func (tb *TokenBucket) OnAck(AckInfo) {
	// Token bucket paces sends independently of ACKs; nothing to update.
}

// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package membership

import (
	"math"
	"time"
)

// Backoff computes the exponential retry delay for connection attempt n
// (1-indexed): initialDelay * multiplier^(n-1), capped at maxDelay. The
// shape follows §4.3's "initial 100ms, multiplier 2, capped ceiling".
func Backoff(attempt int, initialDelay time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(initialDelay) * math.Pow(multiplier, float64(attempt-1)))
	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}
	return delay
}

// RetryConnect attempts connect up to maxRetries times, sleeping with
// Backoff between attempts. It returns the first successful connect's
// result, or the last error if every attempt fails.
func RetryConnect(maxRetries int, connect func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err = connect(attempt); err == nil {
			return nil
		}
		if attempt < maxRetries {
			time.Sleep(Backoff(attempt, DefaultBackoffInitial, DefaultBackoffMultiplier, defaultMaxBackoff))
		}
	}
	return err
}

const defaultMaxBackoff = 3 * time.Second

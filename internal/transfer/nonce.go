// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package transfer

import "github.com/rs/xid"

// NewSessionNonce generates the session_nonce carried in INIT (§4.1, §6.1):
// a globally unique, sortable, sender-generated identifier correlating every
// frame and log line with one transfer attempt.
func NewSessionNonce() string {
	return xid.New().String()
}

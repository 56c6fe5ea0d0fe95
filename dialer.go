// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upmux

import (
	"context"

	"github.com/bufbuild/upmux/transport"
)

// DialFunc opens a connection to target using the plain,
// non-multiplexed protocol. No upgrade is attempted.
type DialFunc func(ctx context.Context, target string) (transport.Transport, error)

// UpgradeDialFunc opens a connection to target and performs the
// protocol-upgrade handshake as a side effect of connection
// establishment. The returned transport is usable immediately over
// the plain protocol while negotiation is in flight; the negotiation
// outcome is delivered exactly once on the returned channel.
//
// The handshake itself (and the byte-level codec it rides on) is the
// dialer's concern, not this package's.
type UpgradeDialFunc func(ctx context.Context, target string) (transport.Transport, <-chan UpgradeResult, error)

// UpgradeResult is the outcome of one upgrade negotiation.
type UpgradeResult struct {
	// Session is the shared multiplexed session, non-nil when the peer
	// accepted the upgrade.
	Session Session
	// Err is non-nil when the connection failed before negotiation
	// could complete. When both Session and Err are nil, the peer
	// definitively declined the upgrade.
	Err error
}

// Session is a live multiplexed session over a single upgraded
// physical connection. One virtual stream is opened per logical
// request.
type Session interface {
	// NewStream opens a new virtual stream over the shared session. It
	// fails if the underlying session has died.
	NewStream() (transport.Transport, error)
}

// SessionFunc builds a multiplexed session over an established
// connection. It is used by prior-knowledge transporters, which skip
// negotiation entirely. The conn passed in is write-buffered: any
// writes the session issues during construction are queued and only
// flushed after the connection preface, once the transporter
// activates the connection.
type SessionFunc func(conn transport.Transport) (Session, error)

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

// Package transport provides the representation of a single connection
// handle. A transport is the primitive produced by the
// [github.com/bufbuild/upmux] package: a message-oriented, full-duplex
// view of one logical connection, which may be a physical socket or a
// virtual stream over a shared multiplexed session.
package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Status describes whether a transport can be used for new work. A
// connection pool checks Status to decide whether to keep a handle
// or discard it and acquire a fresh one; StatusClosed never reverts
// to StatusOpen.
type Status int

const (
	// StatusOpen means the transport may be used for reads and writes.
	StatusOpen Status = iota
	// StatusClosed means the transport must not be used for new work.
	// In-flight operations may still complete.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is a single connection handle. Messages written to one
// transport are delivered in submission order (see [WriteBuffer] for
// the one exception window, during activation); there is no ordering
// relationship across distinct transports.
//
// All methods are safe for concurrent use.
type Transport interface {
	// Read returns the next inbound message. It blocks until a message
	// is available, the transport dies, or ctx ends.
	Read(ctx context.Context) ([]byte, error)
	// Write sends msg. It blocks until the message is accepted for
	// delivery, the transport dies, or ctx ends.
	Write(ctx context.Context, msg []byte) error
	// Status reports whether this handle should be used for new work.
	Status() Status
	// Done returns a channel that is closed when the transport has
	// permanently stopped. After Done is closed, Err reports the cause.
	Done() <-chan struct{}
	// Err returns the cause of the transport's death, or nil if the
	// transport has not died. The result is only stable once Done has
	// been closed.
	Err() error
	// Close shuts the transport down. It is best-effort: it blocks no
	// longer than ctx allows and is safe to call more than once.
	Close(ctx context.Context) error
	// LocalAddr returns the local address, or nil if not applicable.
	LocalAddr() net.Addr
	// RemoteAddr returns the peer's address, or nil if not applicable.
	RemoteAddr() net.Addr
	// TLSConnectionState returns the TLS state of the underlying
	// connection, including the peer's certificate chain, or nil for
	// plain-text connections.
	TLSConnectionState() *tls.ConnectionState
}

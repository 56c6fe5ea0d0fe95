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

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
)

// Ref is a transport whose underlying implementation can be swapped
// after construction. Holders of a Ref keep using the same handle
// identity across the swap: each operation delegates to whichever
// transport is installed at the moment the operation starts, and an
// operation already in flight completes against the transport it
// started with.
//
// The swap is a single atomic pointer update. Install is expected to
// be called at most once in normal operation (when an upgrade decision
// is reached), but concurrent installs are safe; the last writer wins.
type Ref struct {
	delegate atomic.Pointer[delegateBox]
}

// delegateBox exists so the atomic pointer holds a concrete type even
// though the delegate itself is an interface value.
type delegateBox struct {
	transport Transport
}

var _ Transport = (*Ref)(nil)

// NewRef returns a Ref initially delegating to initial.
func NewRef(initial Transport) *Ref {
	ref := &Ref{}
	ref.delegate.Store(&delegateBox{transport: initial})
	return ref
}

// Install atomically replaces the underlying transport. Subsequent
// operations on the Ref use newTransport.
func (r *Ref) Install(newTransport Transport) {
	r.delegate.Store(&delegateBox{transport: newTransport})
}

// Underlying returns the currently-installed transport.
func (r *Ref) Underlying() Transport {
	return r.delegate.Load().transport
}

func (r *Ref) Read(ctx context.Context) ([]byte, error) {
	return r.Underlying().Read(ctx)
}

func (r *Ref) Write(ctx context.Context, msg []byte) error {
	return r.Underlying().Write(ctx, msg)
}

func (r *Ref) Status() Status {
	return r.Underlying().Status()
}

func (r *Ref) Done() <-chan struct{} {
	return r.Underlying().Done()
}

func (r *Ref) Err() error {
	return r.Underlying().Err()
}

func (r *Ref) Close(ctx context.Context) error {
	return r.Underlying().Close(ctx)
}

func (r *Ref) LocalAddr() net.Addr {
	return r.Underlying().LocalAddr()
}

func (r *Ref) RemoteAddr() net.Addr {
	return r.Underlying().RemoteAddr()
}

func (r *Ref) TLSConnectionState() *tls.ConnectionState {
	return r.Underlying().TLSConnectionState()
}

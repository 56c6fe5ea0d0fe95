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
)

// NewDead returns a transport that is permanently dead with the given
// cause. Reads and writes never make progress (they block until the
// caller's context ends), Status is always StatusClosed, and Done is
// already closed with Err returning cause.
//
// A dead transport lets failure information flow through the uniform
// Transport interface instead of crossing an incompatible call
// boundary: the caller's retry layer observes the closed status,
// reads the cause, and re-acquires.
func NewDead(cause error) Transport {
	done := make(chan struct{})
	close(done)
	return &deadTransport{cause: cause, done: done}
}

type deadTransport struct {
	cause error
	done  chan struct{}
}

var _ Transport = (*deadTransport)(nil)

func (d *deadTransport) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *deadTransport) Write(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *deadTransport) Status() Status {
	return StatusClosed
}

func (d *deadTransport) Done() <-chan struct{} {
	return d.done
}

func (d *deadTransport) Err() error {
	return d.cause
}

func (d *deadTransport) Close(_ context.Context) error {
	return nil
}

func (d *deadTransport) LocalAddr() net.Addr {
	return nil
}

func (d *deadTransport) RemoteAddr() net.Addr {
	return nil
}

func (d *deadTransport) TLSConnectionState() *tls.ConnectionState {
	return nil
}

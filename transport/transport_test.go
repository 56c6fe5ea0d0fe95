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

package transport_test

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/bufbuild/upmux/transport"
)

// fakeTransport is an in-memory transport that records writes and
// serves reads from a channel. It is shared by the tests in this
// package.
type fakeTransport struct {
	name  string
	reads chan []byte
	done  chan struct{}

	mu     sync.Mutex
	writes [][]byte
	status transport.Status
	cause  error
	closes int
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:  name,
		reads: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.reads:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, msg)
	return nil
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

func (f *fakeTransport) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.status != transport.StatusClosed {
		f.status = transport.StatusClosed
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) LocalAddr() net.Addr {
	return fakeAddr(f.name + "-local")
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return fakeAddr(f.name + "-remote")
}

func (f *fakeTransport) TLSConnectionState() *tls.ConnectionState {
	return nil
}

func (f *fakeTransport) writtenMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]string, len(f.writes))
	for i, w := range f.writes {
		msgs[i] = string(w)
	}
	return msgs
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

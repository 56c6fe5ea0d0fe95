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

package upmux_test

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/upmux"
	"github.com/bufbuild/upmux/transport"
)

// testConn is a controllable in-memory transport used as the physical
// connection in transporter tests.
type testConn struct {
	done chan struct{}

	mu     sync.Mutex
	writes [][]byte
	cause  error
	dead   bool
}

func newTestConn() *testConn {
	return &testConn{done: make(chan struct{})}
}

func (c *testConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *testConn) Write(_ context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return c.cause
	}
	c.writes = append(c.writes, msg)
	return nil
}

func (c *testConn) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return transport.StatusClosed
	}
	return transport.StatusOpen
}

func (c *testConn) Done() <-chan struct{} {
	return c.done
}

func (c *testConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *testConn) Close(_ context.Context) error {
	c.kill(net.ErrClosed)
	return nil
}

func (c *testConn) kill(cause error) {
	c.mu.Lock()
	alreadyDead := c.dead
	c.dead = true
	if c.cause == nil {
		c.cause = cause
	}
	c.mu.Unlock()
	if !alreadyDead {
		close(c.done)
	}
}

func (c *testConn) writtenMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]string, len(c.writes))
	for i, w := range c.writes {
		msgs[i] = string(w)
	}
	return msgs
}

func (c *testConn) LocalAddr() net.Addr { return nil }

func (c *testConn) RemoteAddr() net.Addr { return nil }

func (c *testConn) TLSConnectionState() *tls.ConnectionState { return nil }

// testSession is a controllable multiplexed session.
type testSession struct {
	mu      sync.Mutex
	streams []*testConn
	failErr error
}

func (s *testSession) NewStream() (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	stream := newTestConn()
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *testSession) failNewStreams(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *testSession) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// harness wires controllable dial functions for a transporter and
// counts how many times each path is exercised.
type harness struct {
	attempts   atomic.Int32
	plainDials atomic.Int32

	dialErr atomic.Pointer[dialFailure]

	mu           sync.Mutex
	attemptConns []*testConn
	results      []chan upmux.UpgradeResult
	plainConns   []*testConn
}

type dialFailure struct {
	err error
}

func newHarness() *harness {
	return &harness{}
}

func (h *harness) plainDial(_ context.Context, _ string) (transport.Transport, error) {
	h.plainDials.Add(1)
	conn := newTestConn()
	h.mu.Lock()
	h.plainConns = append(h.plainConns, conn)
	h.mu.Unlock()
	return conn, nil
}

func (h *harness) upgradeDial(_ context.Context, _ string) (transport.Transport, <-chan upmux.UpgradeResult, error) {
	h.attempts.Add(1)
	if failure := h.dialErr.Load(); failure != nil {
		return nil, nil, failure.err
	}
	conn := newTestConn()
	results := make(chan upmux.UpgradeResult, 1)
	h.mu.Lock()
	h.attemptConns = append(h.attemptConns, conn)
	h.results = append(h.results, results)
	h.mu.Unlock()
	return conn, results, nil
}

func (h *harness) failNextUpgradeDial(err error) {
	h.dialErr.Store(&dialFailure{err: err})
}

func (h *harness) allowUpgradeDials() {
	h.dialErr.Store(nil)
}

// resolve delivers the negotiation outcome for the most recent
// upgrade attempt.
func (h *harness) resolve(result upmux.UpgradeResult) {
	h.mu.Lock()
	results := h.results[len(h.results)-1]
	h.mu.Unlock()
	results <- result
}

// attemptConn returns the physical connection of attempt i.
func (h *harness) attemptConn(i int) *testConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attemptConns[i]
}

func (h *harness) lastPlainConn() *testConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.plainConns) == 0 {
		return nil
	}
	return h.plainConns[len(h.plainConns)-1]
}

var errSessionDead = errors.New("session is dead")

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
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

const readChunkSize = 32 * 1024

// aLongTimeAgo is a non-zero deadline in the distant past, used to
// interrupt a blocked Read or Write when the caller's context ends.
var aLongTimeAgo = time.Unix(1, 0)

// NewNetConn returns a Transport backed by the given net.Conn. Reads
// return whatever bytes the connection delivers next; no message
// framing is applied (framing belongs to the codec layer above). The
// first I/O error is recorded as the transport's cause of death and
// flips its status to closed.
func NewNetConn(conn net.Conn) Transport {
	return &netConn{
		conn: conn,
		done: make(chan struct{}),
	}
}

type netConn struct {
	conn net.Conn
	done chan struct{}

	mu    sync.Mutex
	cause error
	dead  bool
}

var _ Transport = (*netConn)(nil)

func (c *netConn) Read(ctx context.Context) ([]byte, error) {
	if err := c.checkDead(); err != nil {
		return nil, err
	}
	stop := c.watchContext(ctx, c.conn.SetReadDeadline)
	buf := make([]byte, readChunkSize)
	n, err := c.conn.Read(buf)
	stop()
	if err != nil {
		return nil, c.ioError(ctx, err, c.conn.SetReadDeadline)
	}
	return buf[:n], nil
}

func (c *netConn) Write(ctx context.Context, msg []byte) error {
	if err := c.checkDead(); err != nil {
		return err
	}
	stop := c.watchContext(ctx, c.conn.SetWriteDeadline)
	_, err := c.conn.Write(msg)
	stop()
	if err != nil {
		return c.ioError(ctx, err, c.conn.SetWriteDeadline)
	}
	return nil
}

func (c *netConn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return StatusClosed
	}
	return StatusOpen
}

func (c *netConn) Done() <-chan struct{} {
	return c.done
}

func (c *netConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *netConn) Close(_ context.Context) error {
	err := c.conn.Close()
	c.die(net.ErrClosed)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *netConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *netConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *netConn) TLSConnectionState() *tls.ConnectionState {
	type stater interface {
		ConnectionState() tls.ConnectionState
	}
	if tlsConn, ok := c.conn.(stater); ok {
		state := tlsConn.ConnectionState()
		return &state
	}
	return nil
}

func (c *netConn) checkDead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return c.cause
	}
	return nil
}

// watchContext interrupts a blocked I/O call by moving the relevant
// deadline into the past when ctx ends. The returned stop function
// must be called as soon as the I/O call returns.
func (c *netConn) watchContext(ctx context.Context, setDeadline func(time.Time) error) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = setDeadline(aLongTimeAgo)
		case <-finished:
		}
	}()
	return func() { close(finished) }
}

// ioError classifies an error returned by the underlying conn. A
// timeout caused by context interruption is reported as the context's
// error and leaves the connection usable; anything else is terminal.
func (c *netConn) ioError(ctx context.Context, err error, setDeadline func(time.Time) error) error {
	if ctx.Err() != nil && (errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err)) {
		_ = setDeadline(time.Time{})
		return ctx.Err()
	}
	c.die(err)
	return err
}

func (c *netConn) die(cause error) {
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

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

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
	"errors"
	"sync/atomic"
	"time"

	"github.com/bufbuild/upmux/internal"
	"github.com/bufbuild/upmux/transport"
	"github.com/hashicorp/go-hclog"
)

var errTransporterClosed = errors.New("transporter is closed")

// TransporterOption is an option used to customize the behavior of a
// Transporter.
type TransporterOption interface {
	apply(*transporterOptions)
}

// WithLogger configures the logger used for observability output,
// such as the warning emitted when a previously healthy multiplexed
// session stops accepting new streams. If not specified, output is
// discarded.
func WithLogger(logger hclog.Logger) TransporterOption {
	return transporterOptionFunc(func(opts *transporterOptions) {
		opts.logger = logger
	})
}

// WithCloseTimeout bounds how long Close waits for an in-flight
// upgrade attempt to resolve before giving up on an orderly shutdown.
// If zero or no WithCloseTimeout option is used, a default of 5
// seconds is applied.
func WithCloseTimeout(duration time.Duration) TransporterOption {
	return transporterOptionFunc(func(opts *transporterOptions) {
		opts.closeTimeout = duration
	})
}

type transporterOptionFunc func(*transporterOptions)

func (f transporterOptionFunc) apply(opts *transporterOptions) {
	f(opts)
}

type transporterOptions struct {
	logger       hclog.Logger
	closeTimeout time.Duration
	preface      []byte
}

func (opts *transporterOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = hclog.NewNullLogger()
	}
	if opts.closeTimeout == 0 {
		opts.closeTimeout = 5 * time.Second
	}
}

// Transporter produces connection handles for a single destination,
// opportunistically upgrading to the multiplexed protocol. The first
// Dial triggers exactly one upgrade attempt regardless of how many
// callers race; while the attempt is in flight, callers are served
// from the plain path with handles that flip to a closed status if
// the upgrade wins (so the pool re-acquires and lands on a
// multiplexed stream). Once the decision is known it is cached, and
// it is evicted whenever the chosen connection's liveness ends so a
// later Dial can reconnect from scratch.
//
// A Transporter is intended to be owned by the connection-pool entry
// for its destination. All methods are safe for concurrent use.
type Transporter struct {
	target      string
	dial        DialFunc
	upgradeDial UpgradeDialFunc
	logger      hclog.Logger

	clock        internal.Clock
	closeTimeout time.Duration

	cell outcomeCell

	// +checkatomic
	closed atomic.Bool
}

// NewTransporter returns a Transporter for the given destination.
// plainDial supplies non-multiplexed connections; upgradeDial supplies
// connections that negotiate the upgrade as a side effect of
// establishment.
func NewTransporter(target string, plainDial DialFunc, upgradeDial UpgradeDialFunc, options ...TransporterOption) *Transporter {
	var opts transporterOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	return &Transporter{
		target:       target,
		dial:         plainDial,
		upgradeDial:  upgradeDial,
		logger:       opts.logger.Named("transporter"),
		clock:        internal.NewRealClock(),
		closeTimeout: opts.closeTimeout,
	}
}

// Dial produces a connection handle. A connection pool may call this
// many times concurrently for the same destination.
//
// Failures of the upgrade attempt itself, and of a cached multiplexed
// session, are returned as a dead transport with a nil error: the
// handle's status is closed and its Err carries the cause, so the
// caller's retry layer re-acquires and triggers a fresh attempt.
// Plain-path dial failures are returned as ordinary errors, passed
// through from the plain dialer.
func (t *Transporter) Dial(ctx context.Context) (transport.Transport, error) {
	if t.closed.Load() {
		return nil, errTransporterClosed
	}
	for {
		state := t.cell.snapshot()
		switch {
		case state == nil:
			pending := &pendingUpgrade{done: make(chan struct{})}
			pendingState, won := t.cell.tryBegin(pending)
			if !won {
				// Lost the race to attempt; re-read and follow the
				// winner's path.
				continue
			}
			return t.attempt(ctx, pendingState)
		case state.kind == outcomePending:
			return t.dialFallback(ctx, state.pending)
		case state.kind == outcomeUpgraded:
			stream, err := state.session.NewStream()
			if err != nil {
				t.logger.Warn(
					"cached multiplexed session is no longer usable; evicting so the next dial reconnects",
					"target", t.target,
					"error", err,
				)
				t.cell.evict(state)
				return transport.NewDead(err), nil
			}
			return stream, nil
		default: // outcomeNotUpgraded
			return t.dial(ctx, t.target)
		}
	}
}

// attempt is the owner path: this caller won the absent-to-pending
// race and is responsible for driving the upgrade to resolution.
func (t *Transporter) attempt(ctx context.Context, pendingState *outcome) (transport.Transport, error) {
	pending := pendingState.pending
	conn, results, err := t.upgradeDial(ctx, t.target)
	if err != nil {
		// The physical connection never came up. Evict so a later
		// caller retries from absent, then release anyone waiting on
		// the resolution.
		t.cell.evict(pendingState)
		close(pending.done)
		return transport.NewDead(err), nil
	}
	ref := transport.NewRef(conn)
	pending.ref = ref
	pending.conn = conn
	go t.awaitResolution(pendingState, conn, results)
	return ref, nil
}

// awaitResolution waits for the negotiation outcome (or the death of
// the connection performing it) and transitions the cell. It runs once
// per attempt, in its own goroutine.
func (t *Transporter) awaitResolution(pendingState *outcome, conn transport.Transport, results <-chan UpgradeResult) {
	pending := pendingState.pending
	var result UpgradeResult
	select {
	case result = <-results:
	case <-conn.Done():
		err := conn.Err()
		if err == nil {
			err = errors.New("connection closed during upgrade negotiation")
		}
		result = UpgradeResult{Err: err}
	}

	switch {
	case result.Err != nil:
		// Connection failed mid-negotiation. Evict so reconnection is
		// possible, and force the owner's handle to report closed
		// without disturbing any I/O still in flight on it.
		t.cell.evict(pendingState)
		proxy := transport.NewClosedProxy(conn)
		proxy.MarkClosed()
		pending.ref.Install(proxy)
		close(pending.done)
	case result.Session != nil:
		resolved := &outcome{kind: outcomeUpgraded, session: result.Session, conn: conn}
		t.cell.resolve(pendingState, resolved)
		// Redirect the owner's handle onto the shared session.
		if stream, err := result.Session.NewStream(); err == nil {
			pending.ref.Install(stream)
		} else {
			t.cell.evict(resolved)
			pending.ref.Install(transport.NewDead(err))
		}
		pending.upgraded = true
		close(pending.done)
		evictWhenDead(&t.cell, resolved)
	default:
		// The peer definitively declined; the plain-protocol
		// connection the owner is already using was correct all along.
		resolved := &outcome{kind: outcomeNotUpgraded, conn: conn}
		t.cell.resolve(pendingState, resolved)
		close(pending.done)
		evictWhenDead(&t.cell, resolved)
	}
}

// evictWhenDead arranges for the cache entry to be reset once the
// chosen connection's liveness ends, so a subsequent Dial can attempt
// a fresh connection. The reset compares against the exact resolved
// value to avoid discarding a newer attempt.
func evictWhenDead(cell *outcomeCell, resolved *outcome) {
	go func() {
		<-resolved.conn.Done()
		cell.evict(resolved)
	}()
}

// dialFallback serves a caller that arrived while an upgrade attempt
// is in flight. It returns a plain-path connection wrapped so that if
// the attempt resolves to upgraded, the handle's reported status flips
// to closed and the pool re-acquires; if the attempt resolves to not
// upgraded, the handle is untouched, since the plain path was correct.
// I/O already accepted by the plain transport is never interrupted.
func (t *Transporter) dialFallback(ctx context.Context, pending *pendingUpgrade) (transport.Transport, error) {
	plain, err := t.dial(ctx, t.target)
	if err != nil {
		return nil, err
	}
	proxy := transport.NewClosedProxy(plain)
	go func() {
		<-pending.done
		if pending.upgraded {
			proxy.MarkClosed()
		}
	}()
	return proxy, nil
}

// Close shuts the transporter down. If no upgrade attempt was ever
// made it returns immediately. Otherwise it waits, bounded by ctx and
// the configured close timeout, for any in-flight attempt to resolve,
// then closes whichever physical connection resulted. Expiry of the
// bound is never reported as an error; closing is best-effort.
func (t *Transporter) Close(ctx context.Context) error {
	t.closed.Store(true)
	return closeCell(ctx, t.clock, t.closeTimeout, &t.cell)
}

// closeCell implements the shared shutdown sequence: fast path when no
// attempt was ever made, a bounded wait for an in-flight attempt, then
// a best-effort close of whichever physical connection resulted.
func closeCell(ctx context.Context, clock internal.Clock, timeout time.Duration, cell *outcomeCell) error {
	if !cell.everAttempted() {
		return nil
	}
	deadline := clock.NewTimer(timeout)
	defer deadline.Stop()

	state := cell.snapshot()
	if state != nil && state.kind == outcomePending {
		select {
		case <-state.pending.done:
		case <-deadline.Chan():
			return nil
		case <-ctx.Done():
			return nil
		}
		// Resolution may have replaced or evicted the entry; the
		// physical connection is on the pending handle either way.
		state = &outcome{conn: state.pending.conn}
	}
	if state == nil || state.conn == nil {
		return nil
	}
	return closeConn(ctx, deadline, state.conn)
}

func closeConn(ctx context.Context, deadline internal.Timer, conn transport.Transport) error {
	closeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- conn.Close(closeCtx)
	}()
	select {
	case err := <-done:
		if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			return nil
		}
		return err
	case <-deadline.Chan():
		return nil
	case <-ctx.Done():
		return nil
	}
}

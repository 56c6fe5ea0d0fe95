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
	"sync/atomic"
	"time"

	"github.com/bufbuild/upmux/internal"
	"github.com/bufbuild/upmux/transport"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http2"
)

// WithPreface configures the connection preface a prior-knowledge
// transporter sends as the first bytes on a fresh connection. If not
// specified, the HTTP/2 client connection preface is used.
func WithPreface(preface []byte) TransporterOption {
	return transporterOptionFunc(func(opts *transporterOptions) {
		opts.preface = preface
	})
}

// PriorKnowledgeTransporter produces connection handles for a
// destination that is known in advance to support the multiplexed
// protocol. No negotiation is performed: the first Dial opens one
// physical connection, guarantees the connection preface is the first
// write to cross the wire, builds the shared session over it, and
// caches it. Every Dial is served a virtual stream from that session.
// The cache entry is evicted when the connection dies, so a later
// Dial reconnects from scratch.
type PriorKnowledgeTransporter struct {
	target     string
	dial       DialFunc
	newSession SessionFunc
	preface    []byte
	logger     hclog.Logger

	clock        internal.Clock
	closeTimeout time.Duration

	cell outcomeCell

	// +checkatomic
	closed atomic.Bool
}

// NewPriorKnowledgeTransporter returns a transporter for the given
// destination that assumes the peer speaks the multiplexed protocol.
func NewPriorKnowledgeTransporter(target string, dial DialFunc, newSession SessionFunc, options ...TransporterOption) *PriorKnowledgeTransporter {
	var opts transporterOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	if opts.preface == nil {
		opts.preface = []byte(http2.ClientPreface)
	}
	return &PriorKnowledgeTransporter{
		target:       target,
		dial:         dial,
		newSession:   newSession,
		preface:      opts.preface,
		logger:       opts.logger.Named("transporter"),
		clock:        internal.NewRealClock(),
		closeTimeout: opts.closeTimeout,
	}
}

// Dial produces a virtual stream over the shared session, establishing
// the session first if this is the winning first call. Callers that
// arrive while establishment is in flight wait for it rather than
// opening a second connection.
func (t *PriorKnowledgeTransporter) Dial(ctx context.Context) (transport.Transport, error) {
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
				continue
			}
			return t.establish(ctx, pendingState)
		case state.kind == outcomePending:
			// There is no plain fallback in prior-knowledge mode;
			// wait for the session being established.
			select {
			case <-state.pending.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
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
		default:
			// outcomeNotUpgraded cannot occur without negotiation;
			// treat a corrupted entry as evicted.
			t.cell.evict(state)
		}
	}
}

// establish opens the physical connection, orders the preface ahead of
// every other write, builds the session, and publishes it.
func (t *PriorKnowledgeTransporter) establish(ctx context.Context, pendingState *outcome) (transport.Transport, error) {
	pending := pendingState.pending
	conn, err := t.dial(ctx, t.target)
	if err != nil {
		t.cell.evict(pendingState)
		close(pending.done)
		return nil, err
	}
	buffered := transport.NewWriteBuffer(conn)
	if err := buffered.WritePreface(ctx, t.preface); err != nil {
		return t.abortEstablish(ctx, pendingState, conn, err)
	}
	session, err := t.newSession(buffered)
	if err != nil {
		return t.abortEstablish(ctx, pendingState, conn, err)
	}
	if err := buffered.Activate(ctx); err != nil {
		return t.abortEstablish(ctx, pendingState, conn, err)
	}

	resolved := &outcome{kind: outcomeUpgraded, session: session, conn: conn}
	t.cell.resolve(pendingState, resolved)
	pending.conn = conn
	pending.upgraded = true
	close(pending.done)
	evictWhenDead(&t.cell, resolved)

	stream, err := session.NewStream()
	if err != nil {
		t.cell.evict(resolved)
		return transport.NewDead(err), nil
	}
	return stream, nil
}

// abortEstablish unwinds a failed establishment: the entry is evicted
// so the next Dial retries, waiters are released, and the half-built
// connection is closed. The failure comes back as a dead transport.
func (t *PriorKnowledgeTransporter) abortEstablish(ctx context.Context, pendingState *outcome, conn transport.Transport, cause error) (transport.Transport, error) {
	t.cell.evict(pendingState)
	close(pendingState.pending.done)
	_ = conn.Close(ctx)
	return transport.NewDead(cause), nil
}

// Close shuts the transporter down, waiting (bounded by ctx and the
// configured close timeout) for any in-flight establishment, then
// closing the session's physical connection. Best-effort; expiry of
// the bound is not an error.
func (t *PriorKnowledgeTransporter) Close(ctx context.Context) error {
	t.closed.Store(true)
	return closeCell(ctx, t.clock, t.closeTimeout, &t.cell)
}

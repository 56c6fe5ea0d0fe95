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
	"sync"
	"time"

	"github.com/bufbuild/upmux/internal"
	"github.com/bufbuild/upmux/transport"
	"golang.org/x/sync/errgroup"
)

var errPoolClosed = errors.New("pool is closed")

// Dialer is the common surface of [Transporter] and
// [PriorKnowledgeTransporter]: something that produces connection
// handles and can be shut down.
type Dialer interface {
	Dial(ctx context.Context) (transport.Transport, error)
	Close(ctx context.Context) error
}

// PoolOption is an option used to customize the behavior of a Pool.
type PoolOption interface {
	apply(*poolOptions)
}

// WithRootContext configures the root context used for the background
// goroutines a Pool creates. If not specified, [context.Background]
// is used. Cancelling it closes the pool and is a way to eagerly free
// its resources.
func WithRootContext(ctx context.Context) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.rootCtx = ctx
	})
}

// WithIdleTransporterTimeout configures how long a destination's
// transporter may sit unused before the pool closes it and releases
// its cached upgrade state. If zero or no such option is used, a
// default of 15 minutes is applied.
func WithIdleTransporterTimeout(duration time.Duration) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.idleTimeout = duration
	})
}

type poolOptionFunc func(*poolOptions)

func (f poolOptionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	rootCtx     context.Context //nolint:containedctx
	idleTimeout time.Duration
}

func (opts *poolOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.idleTimeout == 0 {
		opts.idleTimeout = 15 * time.Minute
	}
}

// Pool owns one transporter per destination. It is the explicit owner
// of each destination's upgrade-outcome lifecycle: transporters are
// created on first use, kept while active, and closed after sitting
// idle, which releases the cached decision along with them.
type Pool struct {
	rootCtx        context.Context //nolint:containedctx
	cancel         context.CancelFunc
	newTransporter func(target string) Dialer
	idleTimeout    time.Duration
	clock          internal.Clock

	mu      sync.RWMutex
	entries map[string]poolEntry
	// +checklocks:mu
	closed bool
}

type poolEntry struct {
	dialer   Dialer
	activity chan<- struct{}
}

// NewPool returns a pool that uses newTransporter to build the
// transporter for each destination on first use.
func NewPool(newTransporter func(target string) Dialer, options ...PoolOption) *Pool {
	var opts poolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(opts.rootCtx)
	pool := &Pool{
		rootCtx:        ctx,
		cancel:         cancel,
		newTransporter: newTransporter,
		idleTimeout:    opts.idleTimeout,
		clock:          internal.NewRealClock(),
		entries:        map[string]poolEntry{},
	}
	go func() {
		// close the pool immediately if the context is cancelled
		<-pool.rootCtx.Done()
		pool.Close()
	}()
	return pool
}

// Dial produces a connection handle for target via the destination's
// transporter, creating the transporter if none exists.
func (p *Pool) Dial(ctx context.Context, target string) (transport.Transport, error) {
	dialer, err := p.getOrCreate(target)
	if err != nil {
		return nil, err
	}
	return dialer.Dial(ctx)
}

func (p *Pool) getOrCreate(target string) (Dialer, error) {
	p.mu.RLock()
	closed := p.closed
	dialer := p.getLocked(target)
	p.mu.RUnlock()

	if closed {
		return nil, errPoolClosed
	}
	if dialer != nil {
		return dialer, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// double-check in case things changed while upgrading lock
	if p.closed {
		return nil, errPoolClosed
	}
	dialer = p.getLocked(target)
	if dialer != nil {
		return dialer, nil
	}

	dialer = p.newTransporter(target)
	activity := make(chan struct{}, 1)
	go p.closeWhenIdle(p.rootCtx, target, dialer, activity)
	p.entries[target] = poolEntry{dialer: dialer, activity: activity}
	return dialer, nil
}

func (p *Pool) getLocked(target string) Dialer {
	entry := p.entries[target]
	if entry.activity != nil {
		// Update activity while lock is held (should be okay since
		// it's usually a read-lock, and this is a non-blocking write).
		// Doing this while locked avoids race condition with idle timer
		// that might be trying to concurrently close this transporter.
		select {
		case entry.activity <- struct{}{}:
		default:
		}
	}
	return entry.dialer
}

func (p *Pool) closeWhenIdle(ctx context.Context, target string, dialer Dialer, activity <-chan struct{}) {
	timer := p.clock.NewTimer(p.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			if p.tryRemove(target, activity) {
				_ = dialer.Close(ctx)
				return
			}
			// If we couldn't remove the entry, it's due to concurrent
			// activity, so reset the timer and try again.
			timer.Reset(p.idleTimeout)
		case <-ctx.Done():
			p.remove(target)
			_ = dialer.Close(context.Background())
			return
		case <-activity:
			// bump idle timer whenever there's activity
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *Pool) tryRemove(target string, activity <-chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	// need to check activity after lock acquired to make
	// sure we aren't racing with use of this transporter
	select {
	case <-activity:
		// another goroutine is now using it
		return false
	default:
	}
	delete(p.entries, target)
	return true
}

func (p *Pool) remove(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, target)
}

// Close shuts the pool down, closing every transporter concurrently.
// It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	dialers := make([]Dialer, 0, len(p.entries))
	for target, entry := range p.entries {
		dialers = append(dialers, entry.dialer)
		delete(p.entries, target)
	}
	p.mu.Unlock()
	if alreadyClosed {
		return
	}
	p.cancel()
	grp, _ := errgroup.WithContext(context.Background())
	for _, dialer := range dialers {
		dialer := dialer
		grp.Go(func() error {
			return dialer.Close(context.Background())
		})
	}
	_ = grp.Wait()
}

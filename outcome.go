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
	"sync/atomic"

	"github.com/bufbuild/upmux/transport"
)

// outcomeKind enumerates the states of the per-destination upgrade
// decision.
type outcomeKind int

const (
	// outcomePending means an upgrade attempt is in flight.
	outcomePending outcomeKind = iota
	// outcomeUpgraded means the peer accepted the upgrade and the
	// shared multiplexed session is available.
	outcomeUpgraded
	// outcomeNotUpgraded means the peer definitively declined the
	// upgrade; the plain path is correct for the life of this entry.
	outcomeNotUpgraded
)

// outcome is one state of the upgrade decision. Values are immutable
// once published to the cell; identity (pointer equality) is what the
// conditional transitions compare against.
type outcome struct {
	kind outcomeKind

	// pending is set when kind is outcomePending.
	pending *pendingUpgrade
	// session is set when kind is outcomeUpgraded.
	session Session
	// conn is the physical connection the decision was made on. It is
	// set for resolved outcomes and used for teardown and for eviction
	// when the connection's liveness ends.
	conn transport.Transport
}

// pendingUpgrade couples the in-flight attempt's redirectable handle
// with the channel its resolution is announced on.
//
// The fields other than done are written by the attempt owner before
// done is closed and must only be read after done is closed.
type pendingUpgrade struct {
	done chan struct{}

	ref      *transport.Ref
	conn     transport.Transport
	upgraded bool
}

// outcomeCell is the synchronization point for all concurrent callers
// interested in one destination's upgrade decision. The cell holds nil
// when no attempt exists (or the last one was evicted). Every
// transition is a single compare-and-swap; losers of a race simply
// re-read and follow the winner's path, so a slow upgrade attempt
// never stalls unrelated requests behind a lock.
type outcomeCell struct {
	// +checkatomic
	state atomic.Pointer[outcome]
	// +checkatomic
	attempted atomic.Bool
}

// snapshot returns the current state, nil meaning absent. A caller
// that captured a pending snapshot is not retroactively updated on
// resolution; it must re-observe (typically by waiting on the pending
// handle's done channel and reading its fields).
func (c *outcomeCell) snapshot() *outcome {
	return c.state.Load()
}

// tryBegin attempts the absent-to-pending transition. Exactly one
// concurrent caller wins; the winner receives the published pending
// outcome and owns driving the attempt to resolution.
func (c *outcomeCell) tryBegin(pending *pendingUpgrade) (*outcome, bool) {
	next := &outcome{kind: outcomePending, pending: pending}
	if !c.state.CompareAndSwap(nil, next) {
		return nil, false
	}
	c.attempted.Store(true)
	return next, true
}

// resolve transitions the given pending outcome to resolved. It fails
// (returning false) if the cell no longer holds that exact pending
// value, which means a concurrent eviction already discarded the
// attempt.
func (c *outcomeCell) resolve(pending, resolved *outcome) bool {
	return c.state.CompareAndSwap(pending, resolved)
}

// evict conditionally resets the cell to absent. The reset only
// happens if the cell still holds the exact expected value; a naive
// unconditional reset would discard a newer attempt raced in by
// another caller.
func (c *outcomeCell) evict(expected *outcome) bool {
	return c.state.CompareAndSwap(expected, nil)
}

// everAttempted reports whether an absent-to-pending transition has
// ever happened on this cell.
func (c *outcomeCell) everAttempted() bool {
	return c.attempted.Load()
}

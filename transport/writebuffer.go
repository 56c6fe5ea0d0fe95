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
	"sync"
)

// WriteBuffer wraps a transport that is not yet ready to carry
// application traffic. While inactive it accepts and queues all
// outbound writes. When Activate is called, the connection preface
// queued via WritePreface is flushed first, the buffer detaches
// permanently, and the remaining queued writes are flushed in arrival
// order; writes issued after activation pass straight through.
//
// The preface-first guarantee is what keeps a multiplexed session's
// connection preface from being preceded on the wire by an unrelated
// write, which would corrupt the peer's protocol detection.
type WriteBuffer struct {
	Transport

	mu      sync.Mutex
	active  bool
	preface []byte
	queued  [][]byte
}

var _ Transport = (*WriteBuffer)(nil)

// NewWriteBuffer returns a write-queueing wrapper around underlying.
// The wrapper starts inactive.
func NewWriteBuffer(underlying Transport) *WriteBuffer {
	return &WriteBuffer{Transport: underlying}
}

// Write queues msg if the buffer is still inactive, in which case it
// returns immediately; once the buffer has been activated it writes
// through to the underlying transport.
func (b *WriteBuffer) Write(ctx context.Context, msg []byte) error {
	b.mu.Lock()
	if !b.active {
		b.queued = append(b.queued, msg)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.Transport.Write(ctx, msg)
}

// WritePreface queues msg as the connection preface, guaranteeing it
// is the first write flushed on activation regardless of how many
// ordinary writes were queued before it. If the buffer has already
// been activated, the preface window has passed and msg is written
// through like any other message.
func (b *WriteBuffer) WritePreface(ctx context.Context, msg []byte) error {
	b.mu.Lock()
	if !b.active {
		b.preface = msg
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.Transport.Write(ctx, msg)
}

// Activate flushes the preface (if one was queued), then the queued
// writes in arrival order, and permanently detaches the buffer. Writes
// that block on the Write fast path during the flush are released
// afterward, preserving submission order. Activate is idempotent.
func (b *WriteBuffer) Activate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return nil
	}
	if b.preface != nil {
		if err := b.Transport.Write(ctx, b.preface); err != nil {
			return err
		}
		b.preface = nil
	}
	for len(b.queued) > 0 {
		msg := b.queued[0]
		b.queued = b.queued[1:]
		if err := b.Transport.Write(ctx, msg); err != nil {
			return err
		}
	}
	b.active = true
	b.queued = nil
	return nil
}

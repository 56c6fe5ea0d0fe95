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

import "sync/atomic"

// ClosedProxy wraps a transport and, once MarkClosed is called, forces
// its reported status to StatusClosed while still delegating all I/O.
// It tells a connection pool "this handle is no longer the canonical
// one for its destination" without interrupting reads or writes that
// are already in flight on it.
type ClosedProxy struct {
	Transport

	// +checkatomic
	closed atomic.Bool
}

var _ Transport = (*ClosedProxy)(nil)

// NewClosedProxy returns a proxy around underlying whose status can
// later be forced to closed.
func NewClosedProxy(underlying Transport) *ClosedProxy {
	return &ClosedProxy{Transport: underlying}
}

// MarkClosed makes all subsequent Status calls report StatusClosed.
// It does not close the underlying transport and is safe to call
// more than once.
func (p *ClosedProxy) MarkClosed() {
	p.closed.Store(true)
}

// Status reports StatusClosed once MarkClosed has been called, and
// the underlying transport's status before that.
func (p *ClosedProxy) Status() Status {
	if p.closed.Load() {
		return StatusClosed
	}
	return p.Transport.Status()
}

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

// Package upmux provides the connection-establishment layer for RPC
// clients that must interoperate with servers that may or may not
// support a newer multiplexed wire protocol, negotiated as an upgrade
// over a connection initially established with the older,
// non-multiplexed protocol.
//
// To create a transporter for a destination use [NewTransporter],
// supplying a plain-protocol dial function and an upgrade-capable dial
// function. The transporter's [Transporter.Dial] method produces one
// connection handle per logical request. The first Dial against a
// fresh destination triggers exactly one upgrade attempt, no matter
// how many callers race for it:
//
//  1. The caller that wins the race dials the upgrade-capable path
//     and is handed a redirectable handle backed by that physical
//     connection. When the negotiation outcome arrives, the handle is
//     transparently redirected: onto a virtual stream of the new
//     multiplexed session if the peer accepted, or into a
//     closed-status proxy if the connection failed.
//  2. Callers that arrive while the attempt is in flight are served
//     immediately from the plain path. Their handles keep working,
//     but if the upgrade wins, the handles start reporting a closed
//     status so the connection pool discards them and re-acquires,
//     landing on multiplexed streams.
//  3. Once the outcome is known it is cached: every subsequent Dial
//     routes identically (new virtual stream, or plain connection)
//     until the chosen connection dies, at which point the cached
//     decision is evicted and the next Dial starts over.
//
// For destinations known in advance to speak the multiplexed protocol
// there is [NewPriorKnowledgeTransporter], which skips negotiation,
// sends the connection preface before any other write, and shares one
// session across all Dial calls.
//
// [NewPool] supplies the ownership layer: one transporter per
// destination, created on first use and closed after sitting idle.
//
// Request-level concerns (retries, timeouts, serialization, load
// balancing) belong to the layers above and below this package; the
// dial functions and the [Session] interface are the seams they plug
// into.
package upmux

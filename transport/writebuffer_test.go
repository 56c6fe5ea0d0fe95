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
	"testing"

	"github.com/bufbuild/upmux/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBufferPrefaceFlushedFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	underlying := newFakeTransport("conn")
	buffered := transport.NewWriteBuffer(underlying)

	// Ordinary writes are queued before the preface even arrives;
	// activation must still put the preface on the wire first.
	require.NoError(t, buffered.Write(ctx, []byte("settings")))
	require.NoError(t, buffered.Write(ctx, []byte("headers")))
	require.NoError(t, buffered.WritePreface(ctx, []byte("PREFACE")))
	assert.Empty(t, underlying.writtenMessages(), "nothing should reach the wire before activation")

	require.NoError(t, buffered.Activate(ctx))
	assert.Equal(t, []string{"PREFACE", "settings", "headers"}, underlying.writtenMessages())
}

func TestWriteBufferDetachesAfterActivation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	underlying := newFakeTransport("conn")
	buffered := transport.NewWriteBuffer(underlying)

	require.NoError(t, buffered.WritePreface(ctx, []byte("PREFACE")))
	require.NoError(t, buffered.Activate(ctx))

	// Activation is permanent: later writes pass straight through and
	// a late "preface" is just an ordinary write.
	require.NoError(t, buffered.Write(ctx, []byte("data-1")))
	require.NoError(t, buffered.WritePreface(ctx, []byte("late-preface")))
	require.NoError(t, buffered.Activate(ctx))
	require.NoError(t, buffered.Write(ctx, []byte("data-2")))

	assert.Equal(t, []string{"PREFACE", "data-1", "late-preface", "data-2"}, underlying.writtenMessages())
}

func TestWriteBufferWithoutPreface(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	underlying := newFakeTransport("conn")
	buffered := transport.NewWriteBuffer(underlying)

	require.NoError(t, buffered.Write(ctx, []byte("only")))
	require.NoError(t, buffered.Activate(ctx))
	assert.Equal(t, []string{"only"}, underlying.writtenMessages())
}

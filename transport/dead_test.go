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
	"errors"
	"testing"
	"time"

	"github.com/bufbuild/upmux/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadTransport(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	dead := transport.NewDead(cause)

	assert.Equal(t, transport.StatusClosed, dead.Status())
	assert.Nil(t, dead.LocalAddr())
	assert.Nil(t, dead.RemoteAddr())
	assert.Nil(t, dead.TLSConnectionState())

	// Done resolves immediately with the recorded cause.
	select {
	case <-dead.Done():
	default:
		t.Fatal("dead transport's Done channel should already be closed")
	}
	assert.Equal(t, cause, dead.Err())

	require.NoError(t, dead.Close(context.Background()))
	assert.Equal(t, transport.StatusClosed, dead.Status())
}

func TestDeadTransportNeverCompletesIO(t *testing.T) {
	t.Parallel()

	dead := transport.NewDead(errors.New("kaput"))

	// A normal, bounded wait must time out without either operation
	// making progress.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)

	_, err := dead.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = dead.Write(ctx, []byte("hello"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

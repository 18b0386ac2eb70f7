/*
Copyright 2026 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/sshtest/lib/defaults"
)

func TestRendezvousDeliversOneLine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := NewPath(t.TempDir())
	listener, err := Listen(path)
	require.NoError(t, err)

	// the result line is opaque text, non-ASCII included
	const line = "%test-result: (42 . \"päss\")"

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- listener.AcceptAndSend(ctx, line)
	}()

	conn, err := Dial(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	got, err := conn.RecvLine(ctx)
	require.NoError(t, err)
	require.Equal(t, line, got)
	require.NoError(t, <-sendErr)
}

func TestRendezvousReaderMayArriveFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := NewPath(t.TempDir())

	// the reader starts dialing before the socket exists; the bounded
	// existence wait covers the gap
	type recv struct {
		line string
		err  error
	}
	got := make(chan recv, 1)
	go func() {
		conn, err := Dial(ctx, path)
		if err != nil {
			got <- recv{err: err}
			return
		}
		defer conn.Close()
		line, err := conn.RecvLine(ctx)
		got <- recv{line: line, err: err}
	}()

	time.Sleep(200 * time.Millisecond)
	listener, err := Listen(path)
	require.NoError(t, err)
	require.NoError(t, listener.AcceptAndSend(ctx, "late"))

	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, "late", r.line)
}

func TestRendezvousDialTimesOutWithoutListener(t *testing.T) {
	// nobody ever listens; the wait must fail, not hang
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, NewPath(t.TempDir()))
	require.Error(t, err)
	require.True(t, IsTimeout(err))
}

func TestRendezvousAcceptTimesOutWithoutWriter(t *testing.T) {
	path := NewPath(t.TempDir())
	listener, err := Listen(path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err = listener.AcceptAndSend(ctx, "never delivered")
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	// the error reports the deadline that actually applied, which came
	// from the context, not the default bound
	require.NotContains(t, err.Error(), defaults.RendezvousTimeout.String())
}

func TestRendezvousRecvTimesOutWithoutLine(t *testing.T) {
	path := NewPath(t.TempDir())

	// a raw peer that accepts the connection but never writes the line
	raw, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer raw.Close()
	go func() {
		conn, err := raw.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(5 * time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	conn, err := Dial(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.RecvLine(ctx)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.NotContains(t, err.Error(), defaults.RendezvousTimeout.String())
}

func TestRendezvousIsSingleUse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := NewPath(t.TempDir())
	listener, err := Listen(path)
	require.NoError(t, err)

	go listener.AcceptAndSend(ctx, "once")

	conn, err := Dial(ctx, path)
	require.NoError(t, err)
	defer conn.Close()

	line, err := conn.RecvLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "once", line)

	_, err = conn.RecvLine(ctx)
	require.Error(t, err)

	// the spent rendezvous removed its socket path on close, so a
	// fresh one is free to bind there
	fresh, err := Listen(path)
	require.NoError(t, err)
	require.NoError(t, fresh.Close())
}

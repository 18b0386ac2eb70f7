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

package ports

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/sshtest/lib/defaults"
)

func TestGetUnusedPortIsBindable(t *testing.T) {
	a := NewAllocator()

	port, err := a.GetUnusedPort()
	require.NoError(t, err)

	// The returned port must be bindable at the moment of return.
	listener, err := net.Listen("tcp", net.JoinHostPort(defaults.Loopback, strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, listener.Close())
}

func TestGetUnusedPortSkipsBusyPorts(t *testing.T) {
	a := NewAllocator()

	busy, err := a.GetUnusedPort()
	require.NoError(t, err)

	// Occupy the port the allocator would try first.
	listener, err := net.Listen("tcp", net.JoinHostPort(defaults.Loopback, strconv.Itoa(busy)))
	require.NoError(t, err)
	defer listener.Close()

	require.True(t, a.IsPortInUse(busy))

	next, err := a.GetUnusedPort()
	require.NoError(t, err)
	require.NotEqual(t, busy, next)
	require.Greater(t, next, busy)
}

func TestIsPortInUse(t *testing.T) {
	a := NewAllocator()

	port, err := a.GetUnusedPort()
	require.NoError(t, err)
	require.False(t, a.IsPortInUse(port))

	listener, err := net.Listen("tcp", net.JoinHostPort(defaults.Loopback, strconv.Itoa(port)))
	require.NoError(t, err)
	defer listener.Close()

	require.True(t, a.IsPortInUse(port))
}

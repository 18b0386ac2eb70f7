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

// Package ports hands out locally unused TCP ports to test fixtures.
//
// The allocator probes the OS by actually binding on loopback, so a
// returned port is known to be free at the moment of return. It keeps
// the last found port as the starting candidate of the next scan,
// which amortizes repeated scans when many fixtures are created in
// one process. There is no cross-process coordination: concurrently
// running test binaries must not share an allocator's range.
package ports

import (
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/sshtest/lib/defaults"
)

// ErrPortExhausted is returned when the scan runs past the top of the
// port range without finding a free port. Practically unreachable on a
// sane host, but the allocator refuses to spin forever.
var ErrPortExhausted = errors.New("no unused ports left in the scan range")

// IsPortExhausted returns true if err originates from the allocator
// running out of ports.
func IsPortExhausted(err error) bool {
	return errors.Is(err, ErrPortExhausted)
}

// Allocator scans for unused loopback TCP ports, remembering where the
// previous scan ended. Safe for concurrent use.
type Allocator struct {
	mu sync.Mutex
	// next is the starting candidate of the next scan
	next int
}

// NewAllocator returns an allocator scanning up from defaults.BasePort.
func NewAllocator() *Allocator {
	return NewAllocatorFrom(defaults.BasePort)
}

// NewAllocatorFrom returns an allocator scanning up from the given port.
func NewAllocatorFrom(base int) *Allocator {
	return &Allocator{next: base}
}

// IsPortInUse probes the port with a loopback bind. It returns true if
// the bind fails; on success the probe socket is released immediately.
func (a *Allocator) IsPortInUse(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(defaults.Loopback, strconv.Itoa(port)))
	if err != nil {
		return true
	}
	listener.Close()
	return false
}

// GetUnusedPort scans linearly from the persisted candidate until a
// free port is found, persists it as the next starting candidate and
// returns it. Exhausting the range yields ErrPortExhausted.
func (a *Allocator) GetUnusedPort() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.next; port <= defaults.MaxPort; port++ {
		if a.IsPortInUse(port) {
			continue
		}
		a.next = port
		return port, nil
	}
	return 0, trace.Wrap(ErrPortExhausted, "scanned %v through %v", a.next, defaults.MaxPort)
}

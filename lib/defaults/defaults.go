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

// Package defaults contains the fixed constants shared by the whole
// test harness: addresses, timeouts, port ranges and file names.
package defaults

import "time"

const (
	// Loopback is the address every harness role binds to or connects to.
	// Roles never leave the local machine.
	Loopback = "127.0.0.1"

	// TestUser is the fixed user identity client roles authenticate as.
	TestUser = "bob"
)

const (
	// BasePort is the first candidate probed by the port allocator.
	// It sits above the ephemeral range most distributions hand out,
	// so a busy CI host is unlikely to race us for it.
	BasePort = 21500

	// MaxPort is the top of the range the allocator is willing to scan.
	// Running past it returns an error instead of spinning forever.
	MaxPort = 65535
)

const (
	// ClientTimeout is the fixed connect timeout baked into every
	// client role configuration.
	ClientTimeout = 10 * time.Second

	// RendezvousTimeout bounds every wait on the rendezvous socket:
	// waiting for the path to appear, for a peer to connect, and for
	// the result line to arrive.
	RendezvousTimeout = 10 * time.Second

	// RendezvousGraceDelay is how long the writing side keeps the
	// rendezvous connection open after the result line has been sent,
	// so a slow reader never observes a reset instead of data.
	RendezvousGraceDelay = 100 * time.Millisecond

	// ChannelReadyTimeout bounds the wait for the first byte of client
	// data after a channel open has been accepted.
	ChannelReadyTimeout = 10 * time.Second

	// PollStep and PollMax parametrize the linear backoff used by
	// bounded waits that fall back to polling.
	PollStep = 20 * time.Millisecond
	PollMax  = 250 * time.Millisecond
)

const (
	// ProtocolLogSuffix and ErrorLogSuffix are appended to the test
	// suite name to derive the two per-suite log file names.
	ProtocolLogSuffix = "-libssh.log"
	ErrorLogSuffix    = "-errors.log"
)

const (
	// SrcDirEnvVar points at the source tree with checked-in test
	// fixtures. Optional: when unset the harness materializes embedded
	// fixtures into a temporary directory.
	SrcDirEnvVar = "SSHTEST_SRCDIR"

	// BuildDirEnvVar points at the writable directory that receives
	// key material, rendezvous sockets and log files. Optional, with
	// the same temporary-directory fallback.
	BuildDirEnvVar = "SSHTEST_BUILDDIR"
)

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

// Package harness stands up client and server protocol roles as
// independent OS processes and reports their outcomes back to the one
// process the test framework observes.
//
// A test binary opts in by calling Main from its TestMain and
// registering role procedures by name; the harness re-executes the
// binary to run a role in a child process, passing the role's
// configuration through the environment. Within the observing process
// a Suite owns the port counter, key material and log files shared by
// all roles of one test suite.
package harness

import (
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/sshtest/lib/defaults"
	"github.com/gravitational/sshtest/lib/fixtures"
	"github.com/gravitational/sshtest/lib/ports"
	"github.com/gravitational/sshtest/lib/sshutils"
)

// ClientConfig is the immutable configuration of one client role.
type ClientConfig struct {
	// Addr is the server address to connect to.
	Addr string `json:"addr"`
	// Port is the server port to connect to.
	Port int `json:"port"`
	// Timeout bounds the connect.
	Timeout time.Duration `json:"timeout"`
	// User is the identity to authenticate as.
	User string `json:"user"`
	// KeyPath is the private key to authenticate with.
	KeyPath string `json:"key_path"`
	// KnownHostsPath verifies the server host key.
	KnownHostsPath string `json:"known_hosts_path"`
	// Verbosity sets how chatty the role's protocol logging is.
	Verbosity int `json:"verbosity"`
}

// Params converts the configuration for the protocol boundary.
func (c *ClientConfig) Params() *sshutils.ClientParams {
	return &sshutils.ClientParams{
		Addr:           c.Addr,
		Port:           c.Port,
		User:           c.User,
		Timeout:        c.Timeout,
		KeyPath:        c.KeyPath,
		KnownHostsPath: c.KnownHostsPath,
	}
}

// ServerConfig is the immutable configuration of one server role.
type ServerConfig struct {
	// Addr is the address to bind.
	Addr string `json:"addr"`
	// Port is the port to bind.
	Port int `json:"port"`
	// HostKeyPaths are the server's private host keys.
	HostKeyPaths []string `json:"host_key_paths"`
	// AuthorizedKeysPath lists the client keys the server trusts.
	AuthorizedKeysPath string `json:"authorized_keys_path"`
	// Verbosity sets how chatty the role's protocol logging is.
	Verbosity int `json:"verbosity"`
}

// Params converts the configuration for the protocol boundary.
func (c *ServerConfig) Params() *sshutils.ServerParams {
	return &sshutils.ServerParams{
		Addr:               c.Addr,
		Port:               c.Port,
		HostKeyPaths:       c.HostKeyPaths,
		AuthorizedKeysPath: c.AuthorizedKeysPath,
	}
}

// Suite owns the state shared by all roles of one test suite: the
// working directory, key material, log files and the port counter.
// The counter is suite-local mutable state; it is never shared across
// processes, role children receive fully resolved configurations.
type Suite struct {
	// Name tags every log line and derives the log file names.
	Name string
	// Dir holds key material, rendezvous sockets and scratch files.
	Dir string
	// Keys points at the materialized key fixtures.
	Keys *fixtures.Paths
	// Logs are the suite's protocol and error log files.
	Logs *SuiteLogs

	allocator *ports.Allocator

	mu sync.Mutex
	// lastPort is the port of the most recently created server role
	lastPort int
}

// NewSuite sets up logging, key material and the port counter for one
// test suite.
func NewSuite(name string) (*Suite, error) {
	logs, err := SetupTestSuiteLogging(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dir, err := os.MkdirTemp(BuildDir(), name+"-*")
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	keys, err := fixtures.Write(dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	allocator := ports.NewAllocator()
	seed, err := allocator.GetUnusedPort()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Suite{
		Name:      name,
		Dir:       dir,
		Keys:      keys,
		Logs:      logs,
		allocator: allocator,
		// the counter is incremented before every bind, so the first
		// server role lands exactly on the verified free port
		lastPort: seed - 1,
	}, nil
}

// Close releases the suite's log files and restores the error stream.
func (s *Suite) Close() error {
	return trace.Wrap(s.Logs.Close())
}

// NewClientConfig returns a client role configuration: loopback
// address, fixed timeout and user identity, the shared known hosts
// file, low verbosity. Deterministic across calls; the target port
// tracks the most recently created server role.
func (s *Suite) NewClientConfig() *ClientConfig {
	s.mu.Lock()
	port := s.lastPort
	s.mu.Unlock()
	return &ClientConfig{
		Addr:           defaults.Loopback,
		Port:           port,
		Timeout:        defaults.ClientTimeout,
		User:           defaults.TestUser,
		KeyPath:        s.Keys.ClientKey,
		KnownHostsPath: s.Keys.KnownHosts,
		Verbosity:      1,
	}
}

// NewServerConfig increments the suite's port counter and returns a
// server role configuration bound to the new port, with the suite's
// fixed host keys and low verbosity. Ports strictly increase across
// calls within one process; there is no cross-process guarantee, so
// test suites run sequentially within a single controlling process.
func (s *Suite) NewServerConfig() (*ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// increment before bind: even rapid repeated calls never hand out
	// the same port twice
	port := s.lastPort + 1
	for s.allocator.IsPortInUse(port) {
		port++
		if port > defaults.MaxPort {
			return nil, trace.Wrap(ports.ErrPortExhausted)
		}
	}
	s.lastPort = port

	if err := s.Keys.AddKnownHost(defaults.Loopback, port); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ServerConfig{
		Addr:               defaults.Loopback,
		Port:               port,
		HostKeyPaths:       s.Keys.HostKeyPaths(),
		AuthorizedKeysPath: s.Keys.ClientAuthorizedKey,
		Verbosity:          1,
	}, nil
}

var (
	dirsOnce sync.Once
	srcDir   string
	buildDir string
)

func resolveDirs() {
	dirsOnce.Do(func() {
		srcDir = os.Getenv(defaults.SrcDirEnvVar)
		buildDir = os.Getenv(defaults.BuildDirEnvVar)
		if buildDir == "" {
			buildDir = os.TempDir()
		}
		if srcDir == "" {
			srcDir = buildDir
		}
	})
}

// SrcDir returns the directory with checked-in test fixtures. Read
// from the environment once; falls back to BuildDir.
func SrcDir() string {
	resolveDirs()
	return srcDir
}

// BuildDir returns the writable directory receiving key material,
// sockets and logs. Read from the environment once; falls back to the
// system temporary directory.
func BuildDir() string {
	resolveDirs()
	return buildDir
}

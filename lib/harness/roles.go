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

package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/gravitational/trace"

	"github.com/gravitational/sshtest/lib/rendezvous"
)

const (
	// roleCommand marks a process as a role child when passed as the
	// first argument of a re-executed binary.
	roleCommand = "sshtest-role"

	// forwardRoleName is the internal role that runs a registered
	// server role in a grandchild and forwards its result over a
	// rendezvous socket.
	forwardRoleName = "@forward"

	roleConfigEnvVar     = "SSHTEST_ROLE_CONFIG"
	roleTagEnvVar        = "SSHTEST_ROLE_TAG"
	roleSuiteEnvVar      = "SSHTEST_SUITE_NAME"
	forwardInnerEnvVar   = "SSHTEST_FORWARD_ROLE"
	rendezvousPathEnvVar = "SSHTEST_RENDEZVOUS_PATH"
)

// ServerRoleFunc is a server role procedure. The returned result
// string reaches the observing process only through the
// separate-process topology; other topologies discard it.
type ServerRoleFunc func(ctx context.Context, cfg *ServerConfig) (string, error)

// ClientRoleFunc is a client role procedure run in a forked child by
// the server-drives topology.
type ClientRoleFunc func(ctx context.Context, cfg *ClientConfig) (string, error)

var registry struct {
	sync.Mutex
	server map[string]ServerRoleFunc
	client map[string]ClientRoleFunc
}

// RegisterServerRole makes a server role procedure spawnable by name.
// Function values cannot cross the process boundary, so both the
// parent and the role child must register the role before Main runs.
func RegisterServerRole(name string, fn ServerRoleFunc) {
	registry.Lock()
	defer registry.Unlock()
	if registry.server == nil {
		registry.server = map[string]ServerRoleFunc{}
	}
	registry.server[name] = fn
}

// RegisterClientRole makes a client role procedure spawnable by name.
func RegisterClientRole(name string, fn ClientRoleFunc) {
	registry.Lock()
	defer registry.Unlock()
	if registry.client == nil {
		registry.client = map[string]ClientRoleFunc{}
	}
	registry.client[name] = fn
}

// Main is the entry point of a harness-aware test binary, called from
// TestMain after all roles are registered. When the process was
// spawned as a role child it runs that role and exits with its code;
// otherwise it runs the test suite.
func Main(m *testing.M) {
	MaybeRunRole()
	os.Exit(m.Run())
}

// MaybeRunRole runs a role and exits when the process was spawned as
// a role child, and returns otherwise. Standalone binaries built on
// the harness call this first thing in main.
func MaybeRunRole() {
	if len(os.Args) < 3 || os.Args[1] != roleCommand {
		return
	}
	os.Exit(runRole(os.Args[2]))
}

// runRole executes the named role procedure and converts its outcome
// into the process exit code: 0 on normal return, 1 on error or
// panic. The conversion happens on every control-flow path out, the
// exit code is the only failure signal that crosses the process
// boundary.
func runRole(name string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "role %q panicked: %v\n", name, r)
			code = 1
		}
	}()

	if suite := os.Getenv(roleSuiteEnvVar); suite != "" {
		if _, err := SetupTestSuiteLogging(suite); err != nil {
			fmt.Fprintf(os.Stderr, "role %q failed to set up logging: %v\n", name, err)
			return 1
		}
	}
	if tag := os.Getenv(roleTagEnvVar); tag != "" {
		SetLogUserdata(tag)
	}

	result, err := dispatchRole(context.Background(), name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "role %q failed: %v\n", name, trace.DebugReport(err))
		return 1
	}
	if result != "" {
		// the parent reads the result from our stdout
		fmt.Println(result)
	}
	return 0
}

func dispatchRole(ctx context.Context, name string) (string, error) {
	if name == forwardRoleName {
		return "", trace.Wrap(runForwardRole(ctx))
	}

	raw := os.Getenv(roleConfigEnvVar)
	if raw == "" {
		return "", trace.NotFound("no role configuration in environment %v", roleConfigEnvVar)
	}
	registry.Lock()
	serverFn := registry.server[name]
	clientFn := registry.client[name]
	registry.Unlock()

	switch {
	case serverFn != nil:
		var cfg ServerConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return "", trace.Wrap(err, "decoding server role configuration")
		}
		SetVerbosity(cfg.Verbosity)
		return serverFn(ctx, &cfg)
	case clientFn != nil:
		var cfg ClientConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return "", trace.Wrap(err, "decoding client role configuration")
		}
		SetVerbosity(cfg.Verbosity)
		return clientFn(ctx, &cfg)
	}
	return "", trace.NotFound("role %q is not registered in this binary", name)
}

// runForwardRole spawns a grandchild running the real server role,
// collects its result from the stdout pipe and forwards it through a
// one-line rendezvous write to the observing process.
func runForwardRole(ctx context.Context) error {
	path := os.Getenv(rendezvousPathEnvVar)
	inner := os.Getenv(forwardInnerEnvVar)
	if path == "" || inner == "" {
		return trace.BadParameter("forward role needs %v and %v in environment",
			rendezvousPathEnvVar, forwardInnerEnvVar)
	}

	// bind before spawning, so the observer's connect can only ever
	// succeed once a writer is guaranteed to follow
	listener, err := rendezvous.Listen(path)
	if err != nil {
		return trace.Wrap(err)
	}
	defer listener.Close()

	cmd := exec.CommandContext(ctx, os.Args[0], roleCommand, inner)
	cmd.Env = os.Environ()
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return trace.Wrap(err, "server role %q failed", inner)
	}

	result := strings.TrimSuffix(stdout.String(), "\n")
	return trace.Wrap(listener.AcceptAndSend(ctx, result))
}

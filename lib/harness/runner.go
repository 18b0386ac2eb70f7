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
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/sshtest/lib/rendezvous"
)

// ClientFunc is the client-side procedure the observing process runs
// in-process. Its result and error propagate normally to the caller.
type ClientFunc func(ctx context.Context) (string, error)

// ServerProcFunc is the server-side procedure the observing process
// runs in-process in the server-drives topology.
type ServerProcFunc func(ctx context.Context, cfg *ServerConfig) error

// PredFunc turns a result line received over a rendezvous into a
// pass/fail verdict.
type PredFunc func(result string) bool

// Child is a handle on a spawned role process.
type Child struct {
	role   string
	cmd    *exec.Cmd
	stdout bytes.Buffer
}

// Wait blocks until the role process exits and returns its exit code:
// 0 iff the role procedure returned normally, 1 otherwise.
func (c *Child) Wait() (int, error) {
	err := c.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, trace.Wrap(err, "waiting for role %q", c.role)
}

// Result returns what the role wrote to its stdout, without the
// trailing newline. Only meaningful after Wait.
func (c *Child) Result() string {
	return strings.TrimSuffix(c.stdout.String(), "\n")
}

// spawnRole re-executes the current binary as a role child. The role
// configuration travels through the environment; the child's stderr
// feeds the suite error log through the redirected error stream.
func (s *Suite) spawnRole(ctx context.Context, role, tag string, cfg any, extraEnv ...string) (*Child, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	child := &Child{role: role}
	cmd := exec.CommandContext(ctx, os.Args[0], roleCommand, role)
	cmd.Env = append(os.Environ(),
		roleConfigEnvVar+"="+string(data),
		roleTagEnvVar+"="+tag,
		roleSuiteEnvVar+"="+s.Name,
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = &child.stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, trace.Wrap(err, "spawning role %q", role)
	}
	log.Debugf("Spawned role %q as pid %v.", role, cmd.Process.Pid)
	child.cmd = cmd
	return child, nil
}

// RunClientTest spawns the named server role as a child process and
// runs client in the observing process, returning the client's
// result. There is no startup barrier between the two: the client is
// responsible for connect retry, sshutils.DialWithRetry exists for
// exactly that. The returned Child exposes the server's exit code.
func (s *Suite) RunClientTest(ctx context.Context, serverRole string, server *ServerConfig, client ClientFunc) (string, *Child, error) {
	// the forked server logs under a role-suffixed tag and one
	// verbosity notch below the observing process
	cfg := *server
	if cfg.Verbosity > 0 {
		cfg.Verbosity--
	}
	child, err := s.spawnRole(ctx, serverRole, s.Name+" (server)", &cfg)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	result, err := client(ctx)
	return result, child, trace.Wrap(err)
}

// RunClientTestSeparateProcess runs the named server role two forks
// away: a direct child binds the rendezvous socket and spawns a
// grandchild running the real role, then forwards the grandchild's
// result through a single rendezvous line. The observing process runs
// only client (optional) and the rendezvous read, and applies pred to
// the received result for the verdict. A missing writer surfaces
// rendezvous.ErrTimeout instead of hanging.
func (s *Suite) RunClientTestSeparateProcess(ctx context.Context, serverRole string, server *ServerConfig, client ClientFunc, pred PredFunc) (bool, error) {
	path := rendezvous.NewPath(s.Dir)
	cfg := *server
	if cfg.Verbosity > 0 {
		cfg.Verbosity--
	}
	child, err := s.spawnRole(ctx, forwardRoleName, s.Name+" (server)", &cfg,
		forwardInnerEnvVar+"="+serverRole,
		rendezvousPathEnvVar+"="+path,
	)
	if err != nil {
		return false, trace.Wrap(err)
	}
	// everything spawned above is fire-and-forget, but reap it so no
	// zombie outlives the test
	defer func() {
		go child.Wait()
	}()

	if client != nil {
		if _, err := client(ctx); err != nil {
			return false, trace.Wrap(err)
		}
	}

	conn, err := rendezvous.Dial(ctx, path)
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer conn.Close()
	result, err := conn.RecvLine(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	log.Debugf("Received rendezvous result %q from role %q.", result, serverRole)
	return pred(result), nil
}

// RunServerTest reverses the roles: the named client role runs in a
// child process against a freshly built client configuration, while
// the observing process plays the protocol server by invoking
// serverProc directly. Its error propagates normally; the child's
// exit code is exposed through the returned Child.
func (s *Suite) RunServerTest(ctx context.Context, clientRole string, serverProc ServerProcFunc) (*Child, error) {
	server, err := s.NewServerConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := s.NewClientConfig()
	child, err := s.spawnRole(ctx, clientRole, s.Name+" (client)", client)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := serverProc(ctx, server); err != nil {
		return child, trace.Wrap(err)
	}
	return child, nil
}

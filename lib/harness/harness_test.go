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
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/sshtest/lib/defaults"
	"github.com/gravitational/sshtest/lib/rendezvous"
	"github.com/gravitational/sshtest/lib/sshutils"
)

const (
	echoServerRole     = "echo-server"
	failingServerRole  = "failing-server"
	resultServerRole   = "result-server"
	stallingServerRole = "stalling-server"
	pingClientRole     = "ping-client"
)

func TestMain(m *testing.M) {
	RegisterServerRole(echoServerRole, echoServer)
	RegisterServerRole(failingServerRole, failingServer)
	RegisterServerRole(resultServerRole, resultServer)
	RegisterServerRole(stallingServerRole, stallingServer)
	RegisterClientRole(pingClientRole, pingClient)
	Main(m)
}

// echoServer serves exactly one session, echoing the first chunk of
// every channel back to the client.
func echoServer(ctx context.Context, cfg *ServerConfig) (string, error) {
	listener, err := sshutils.Listen(cfg.Params())
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer listener.Close()
	session, err := listener.Accept(ctx)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer session.Close()
	return "", trace.Wrap(sshutils.ServeSessionLoop(ctx, session, echoBody))
}

func echoBody(ctx context.Context, ch *sshutils.Channel) error {
	buf := make([]byte, 1024)
	n, err := ch.Read(buf)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = ch.Write(buf[:n])
	return trace.Wrap(err)
}

func failingServer(ctx context.Context, cfg *ServerConfig) (string, error) {
	return "", trace.BadParameter("this role always fails")
}

// stallingServer outlives any reasonable deadline without producing a
// result, so the rendezvous line never gets written.
func stallingServer(ctx context.Context, cfg *ServerConfig) (string, error) {
	time.Sleep(30 * time.Second)
	return "too late", nil
}

// resultServer is the separate-process topology's workload: it
// produces a result the observing process never sees directly.
func resultServer(ctx context.Context, cfg *ServerConfig) (string, error) {
	sum := 0
	for i := 1; i <= 10; i++ {
		sum += i
	}
	return "sum=55", nil
}

// pingClient is the forked protocol-client of the server-drives
// topology: connect, send one chunk, expect it echoed back.
func pingClient(ctx context.Context, cfg *ClientConfig) (string, error) {
	session, err := sshutils.DialWithRetry(ctx, cfg.Params())
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer session.Close()
	ch, err := session.OpenChannel("session")
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := ch.Write([]byte("ping")); err != nil {
		return "", trace.Wrap(err)
	}
	buf := make([]byte, 1024)
	n, err := ch.Read(buf)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if string(buf[:n]) != "ping" {
		return "", trace.CompareFailed("expected %q echoed back, got %q", "ping", string(buf[:n]))
	}
	return "", nil
}

func newSuite(t *testing.T, name string) *Suite {
	t.Helper()
	suite, err := NewSuite(name)
	require.NoError(t, err)
	t.Cleanup(func() { suite.Close() })
	return suite
}

func TestServerPortsIncrease(t *testing.T) {
	suite := newSuite(t, "ports")

	first, err := suite.NewServerConfig()
	require.NoError(t, err)
	second, err := suite.NewServerConfig()
	require.NoError(t, err)

	require.Equal(t, first.Port+1, second.Port)

	// many more stay strictly increasing and pairwise distinct
	last := second.Port
	for range 16 {
		cfg, err := suite.NewServerConfig()
		require.NoError(t, err)
		require.Greater(t, cfg.Port, last)
		last = cfg.Port
	}
}

func TestClientConfigIsFixed(t *testing.T) {
	suite := newSuite(t, "client-config")

	for range 3 {
		_, err := suite.NewServerConfig()
		require.NoError(t, err)
	}
	first := suite.NewClientConfig()
	second := suite.NewClientConfig()

	for _, cfg := range []*ClientConfig{first, second} {
		require.Equal(t, defaults.Loopback, cfg.Addr)
		require.Equal(t, 10*time.Second, cfg.Timeout)
		require.Equal(t, defaults.TestUser, cfg.User)
	}
	require.Equal(t, *first, *second)
}

func TestRunClientTest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite := newSuite(t, "topology-a")

	server, err := suite.NewServerConfig()
	require.NoError(t, err)
	client := suite.NewClientConfig()

	result, child, err := suite.RunClientTest(ctx, echoServerRole, server, func(ctx context.Context) (string, error) {
		session, err := sshutils.DialWithRetry(ctx, client.Params())
		if err != nil {
			return "", trace.Wrap(err)
		}
		defer session.Close()
		ch, err := session.OpenChannel("session")
		if err != nil {
			return "", trace.Wrap(err)
		}
		if _, err := ch.Write([]byte("hello")); err != nil {
			return "", trace.Wrap(err)
		}
		buf := make([]byte, 1024)
		n, err := ch.Read(buf)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if err := session.Close(); err != nil {
			return "", trace.Wrap(err)
		}
		return string(buf[:n]), nil
	})
	require.NoError(t, err)

	// the client's return value comes back verbatim
	require.Equal(t, "hello", result)

	// the server role returned normally, so its process exited 0
	code, err := child.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestRunClientTestServerFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite := newSuite(t, "topology-a-failure")

	server, err := suite.NewServerConfig()
	require.NoError(t, err)

	_, child, err := suite.RunClientTest(ctx, failingServerRole, server, func(ctx context.Context) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	// a role that raises is visible only as exit code 1
	code, err := child.Wait()
	require.NoError(t, err)
	require.Equal(t, 1, code)
}

func TestRunClientTestSeparateProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite := newSuite(t, "topology-b")

	server, err := suite.NewServerConfig()
	require.NoError(t, err)

	ok, err := suite.RunClientTestSeparateProcess(ctx, resultServerRole, server, nil,
		func(result string) bool { return result == "sum=55" })
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunClientTestSeparateProcessPredMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite := newSuite(t, "topology-b-mismatch")

	server, err := suite.NewServerConfig()
	require.NoError(t, err)

	ok, err := suite.RunClientTestSeparateProcess(ctx, resultServerRole, server, nil,
		func(result string) bool { return false })
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunClientTestSeparateProcessNoWriter(t *testing.T) {
	// the server role never produces a result, so the rendezvous line
	// is never written; the read must fail with a timeout, not hang
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	suite := newSuite(t, "topology-b-timeout")

	server, err := suite.NewServerConfig()
	require.NoError(t, err)

	_, err = suite.RunClientTestSeparateProcess(ctx, stallingServerRole, server, nil,
		func(result string) bool { return true })
	require.Error(t, err)
	require.True(t, rendezvous.IsTimeout(err))
}

func TestRunClientTestChildResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite := newSuite(t, "child-result")

	server, err := suite.NewServerConfig()
	require.NoError(t, err)

	_, child, err := suite.RunClientTest(ctx, resultServerRole, server, func(ctx context.Context) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	code, err := child.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)

	// the role's stdout carries its result string to the parent
	require.Equal(t, "sum=55", child.Result())
}

func TestRunServerTest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	suite := newSuite(t, "topology-c")

	child, err := suite.RunServerTest(ctx, pingClientRole, func(ctx context.Context, cfg *ServerConfig) error {
		listener, err := sshutils.Listen(cfg.Params())
		if err != nil {
			return trace.Wrap(err)
		}
		defer listener.Close()
		session, err := listener.Accept(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		defer session.Close()
		return trace.Wrap(sshutils.ServeSessionLoop(ctx, session, echoBody))
	})
	require.NoError(t, err)

	code, err := child.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

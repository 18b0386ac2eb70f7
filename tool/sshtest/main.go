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

// Command sshtest runs the process-forked SSH test harness standalone,
// outside of go test, for poking at it during development.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/sshtest/lib/defaults"
	"github.com/gravitational/sshtest/lib/harness"
	"github.com/gravitational/sshtest/lib/sshutils"
)

const echoServerRole = "echo-server"

func main() {
	// roles must be registered before the role-child dispatch:
	// a spawned child re-executes this same binary
	harness.RegisterServerRole(echoServerRole, echoServer)
	harness.MaybeRunRole()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, trace.DebugReport(err))
		os.Exit(1)
	}
}

// echoServer is the server role forked by the echo command: it serves
// exactly one session, echoing channel data back to the client.
func echoServer(ctx context.Context, cfg *harness.ServerConfig) (string, error) {
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
	err = sshutils.ServeSessionLoop(ctx, session, func(ctx context.Context, ch *sshutils.Channel) error {
		buf := make([]byte, 1024)
		n, err := ch.Read(buf)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = ch.Write(buf[:n])
		return trace.Wrap(err)
	})
	return "", trace.Wrap(err)
}

// config carries the flag and YAML-file overridable settings.
type config struct {
	Debug      bool
	ConfigPath string

	SuiteName string `yaml:"suite_name"`
	Message   string `yaml:"message"`
	Port      int    `yaml:"port"`
	Verbosity int    `yaml:"verbosity"`
}

func run(args []string) error {
	cf := config{SuiteName: "sshtest", Verbosity: 1}

	app := kingpin.New("sshtest", "Standalone runner for the process-forked SSH test harness.")
	app.Flag("debug", "Verbose protocol logging.").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "YAML file overriding defaults.").Short('c').StringVar(&cf.ConfigPath)

	echoCmd := app.Command("echo", "Fork an echo server role and bounce a message off it.")
	echoCmd.Flag("message", "Message to bounce off the forked server.").Default("hello").StringVar(&cf.Message)

	serveCmd := app.Command("serve", "Serve the dispatch loop for a single session, then exit.")
	serveCmd.Flag("port", "Port to listen on. Allocated automatically when zero.").IntVar(&cf.Port)

	cmd, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	if cf.ConfigPath != "" {
		data, err := os.ReadFile(cf.ConfigPath)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return trace.Wrap(err, "parsing %v", cf.ConfigPath)
		}
	}
	if cf.Debug {
		cf.Verbosity = 3
	}

	suite, err := harness.NewSuite(cf.SuiteName)
	if err != nil {
		return trace.Wrap(err)
	}
	defer suite.Close()
	harness.SetVerbosity(cf.Verbosity)

	switch cmd {
	case echoCmd.FullCommand():
		return trace.Wrap(runEcho(suite, cf))
	case serveCmd.FullCommand():
		return trace.Wrap(runServe(suite, cf))
	}
	return trace.BadParameter("unknown command %q", cmd)
}

// runEcho exercises the single-fork topology end to end: the server
// role runs in a child process, the client side runs right here.
func runEcho(suite *harness.Suite, cf config) error {
	ctx := context.Background()
	server, err := suite.NewServerConfig()
	if err != nil {
		return trace.Wrap(err)
	}
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
		if _, err := ch.Write([]byte(cf.Message)); err != nil {
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
	if err != nil {
		return trace.Wrap(err)
	}
	code, err := child.Wait()
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("echoed %q (server exit code %v)\n", result, code)
	fmt.Printf("protocol log: %v\n", suite.Logs.ProtocolPath)
	if code != 0 {
		return trace.Errorf("server role exited with code %v", code)
	}
	return nil
}

// runServe blocks in the dispatch loop for one session, so an external
// ssh client can be pointed at the harness server by hand.
func runServe(suite *harness.Suite, cf config) error {
	ctx := context.Background()
	server, err := suite.NewServerConfig()
	if err != nil {
		return trace.Wrap(err)
	}
	if cf.Port != 0 {
		server.Port = cf.Port
		if err := suite.Keys.AddKnownHost(defaults.Loopback, cf.Port); err != nil {
			return trace.Wrap(err)
		}
	}

	listener, err := sshutils.Listen(server.Params())
	if err != nil {
		return trace.Wrap(err)
	}
	defer listener.Close()

	fmt.Printf("listening on %v\n", listener.Addr())
	fmt.Printf("client key: %v\n", suite.Keys.ClientKey)
	fmt.Printf("known hosts: %v\n", suite.Keys.KnownHosts)

	session, err := listener.Accept(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer session.Close()
	return trace.Wrap(sshutils.ServeSessionLoop(ctx, session, func(ctx context.Context, ch *sshutils.Channel) error {
		buf := make([]byte, 1024)
		n, err := ch.Read(buf)
		if err != nil {
			return trace.Wrap(err)
		}
		_, err = ch.Write(buf[:n])
		return trace.Wrap(err)
	}))
}

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

package sshutils

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/sshtest/lib/defaults"
)

// ServerParams configure the server side of a session.
type ServerParams struct {
	// Addr is the address to bind, loopback when empty.
	Addr string
	// Port is the port to bind. Required.
	Port int
	// HostKeyPaths are the private host key files, at least one. Required.
	HostKeyPaths []string
	// AuthorizedKeysPath lists the client keys the server trusts.
	// Required unless NoClientAuth is set.
	AuthorizedKeysPath string
	// NoClientAuth accepts any client without authentication.
	NoClientAuth bool
	// Clock to override clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (p *ServerParams) CheckAndSetDefaults() error {
	if p.Port == 0 {
		return trace.BadParameter("missing parameter Port")
	}
	if len(p.HostKeyPaths) == 0 {
		return trace.BadParameter("missing parameter HostKeyPaths")
	}
	if p.AuthorizedKeysPath == "" && !p.NoClientAuth {
		return trace.BadParameter("missing parameter AuthorizedKeysPath")
	}
	if p.Addr == "" {
		p.Addr = defaults.Loopback
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Listener accepts incoming connections and upgrades them to
// established server-side sessions.
type Listener struct {
	listener net.Listener
	config   *ssh.ServerConfig
	clock    clockwork.Clock
}

// Listen binds the server socket and prepares host keys and client
// authentication. No connection is accepted yet.
func Listen(params *ServerParams) (*Listener, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	config := &ssh.ServerConfig{
		NoClientAuth: params.NoClientAuth,
	}
	for _, path := range params.HostKeyPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, trace.Wrap(err, "parsing host key %v", path)
		}
		config.AddHostKey(signer)
	}
	if params.AuthorizedKeysPath != "" {
		callback, err := authorizedKeysCallback(params.AuthorizedKeysPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		config.PublicKeyCallback = callback
	}

	addr := net.JoinHostPort(params.Addr, strconv.Itoa(params.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "binding %v", addr)
	}
	log.Debugf("Listening on %v.", addr)
	return &Listener{
		listener: listener,
		config:   config,
		clock:    params.Clock,
	}, nil
}

// authorizedKeysCallback trusts exactly the keys listed in the given
// authorized_keys file.
func authorizedKeysCallback(path string) (func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	trusted := map[string]bool{}
	for len(bytes.TrimSpace(data)) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, trace.Wrap(err, "parsing authorized keys %v", path)
		}
		trusted[string(key.Marshal())] = true
		data = rest
	}
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if !trusted[string(key.Marshal())] {
			return nil, trace.AccessDenied("unknown public key for user %q", conn.User())
		}
		return &ssh.Permissions{}, nil
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Accept takes the next incoming connection and completes the key
// exchange and authentication, returning an established server-side
// session. The context deadline, if any, bounds the wait.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if tcp, ok := l.listener.(*net.TCPListener); ok {
			if err := tcp.SetDeadline(deadline); err != nil {
				return nil, trace.ConvertSystemError(err)
			}
		}
	}
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "accepting on %v", l.listener.Addr())
	}
	sconn, chans, reqs, err := ssh.NewServerConn(conn, l.config)
	if err != nil {
		conn.Close()
		return nil, trace.ConnectionProblem(err, "ssh handshake with %v", conn.RemoteAddr())
	}
	log.Debugf("Accepted connection from %v as %v.", sconn.RemoteAddr(), sconn.User())
	return newSession(sconn, chans, reqs, l.clock, true), nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return trace.Wrap(l.listener.Close())
}

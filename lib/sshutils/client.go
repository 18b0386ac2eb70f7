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
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gravitational/sshtest/lib/defaults"
	"github.com/gravitational/sshtest/lib/utils"
)

// ClientParams configure the client side of a session.
type ClientParams struct {
	// Addr is the server address, loopback when empty.
	Addr string
	// Port is the server port. Required.
	Port int
	// User is the identity to authenticate as, defaults.TestUser
	// when empty.
	User string
	// Timeout bounds the TCP connect and the SSH handshake, and the
	// whole of DialWithRetry. Defaults to defaults.ClientTimeout.
	Timeout time.Duration
	// KeyPath is the private key to authenticate with. Required.
	KeyPath string
	// KnownHostsPath is the known_hosts file to verify the server's
	// host key against. Required.
	KnownHostsPath string
	// Clock to override clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (p *ClientParams) CheckAndSetDefaults() error {
	if p.Port == 0 {
		return trace.BadParameter("missing parameter Port")
	}
	if p.KeyPath == "" {
		return trace.BadParameter("missing parameter KeyPath")
	}
	if p.KnownHostsPath == "" {
		return trace.BadParameter("missing parameter KnownHostsPath")
	}
	if p.Addr == "" {
		p.Addr = defaults.Loopback
	}
	if p.User == "" {
		p.User = defaults.TestUser
	}
	if p.Timeout == 0 {
		p.Timeout = defaults.ClientTimeout
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Dial connects to the server and completes the key exchange and
// authentication, returning an established client-side session.
func Dial(ctx context.Context, params *ClientParams) (*Session, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := os.ReadFile(params.KeyPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, trace.Wrap(err, "parsing client key %v", params.KeyPath)
	}
	hostKeyCallback, err := knownhosts.New(params.KnownHostsPath)
	if err != nil {
		return nil, trace.Wrap(err, "loading known hosts %v", params.KnownHostsPath)
	}
	config := &ssh.ClientConfig{
		User:            params.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         params.Timeout,
	}

	addr := net.JoinHostPort(params.Addr, strconv.Itoa(params.Port))
	dialer := net.Dialer{Timeout: params.Timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing %v", addr)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, config)
	if err != nil {
		tcpConn.Close()
		return nil, trace.ConnectionProblem(err, "ssh handshake with %v as %v", addr, params.User)
	}
	log.Debugf("Connected to %v as %v.", addr, params.User)
	return newSession(conn, chans, reqs, params.Clock, false), nil
}

// DialWithRetry dials with linear backoff until the server starts
// listening or the client timeout expires. Topologies that spawn the
// server with no startup barrier use this on the client side.
func DialWithRetry(ctx context.Context, params *ClientParams) (*Session, error) {
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := utils.NewLinear(utils.LinearConfig{
		Step:   defaults.PollStep,
		Max:    defaults.PollMax,
		Jitter: utils.NewHalfJitter(),
		Clock:  params.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	var session *Session
	err = retry.For(ctx, func() error {
		s, err := Dial(ctx, params)
		if err != nil {
			return trace.Wrap(err)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

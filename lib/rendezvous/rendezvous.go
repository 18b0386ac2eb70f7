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

// Package rendezvous is a one-shot, one-line result mailbox between
// two processes that share no parent/child relationship. The accepting
// side binds a Unix-domain socket at an agreed filesystem path and
// writes a single newline-terminated line; the connecting side waits
// for the path to appear, connects and reads the line.
//
// Every wait is bounded: waiting for the path, for a peer, and for the
// line are all capped by defaults.RendezvousTimeout and fail with
// ErrTimeout instead of blocking forever. Path appearance is observed
// through an fsnotify watch racing a linear-backoff stat poll, so a
// missed event cannot stall the wait.
package rendezvous

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/sshtest/lib/defaults"
	"github.com/gravitational/sshtest/lib/utils"
)

// ErrTimeout is returned when any rendezvous wait expires.
var ErrTimeout = errors.New("rendezvous timed out")

// IsTimeout returns true if err means a rendezvous wait expired.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// NewPath generates a unique socket path under dir. Unix socket paths
// are length-limited, so the name stays short.
func NewPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("rdv-%s.sock", uuid.NewString()[:8]))
}

// Listener is the accepting half of a rendezvous. It is single-use:
// one connection, one line, then it is gone.
type Listener struct {
	path     string
	listener net.Listener
	clock    clockwork.Clock
}

// Listen binds and listens on the rendezvous socket at path.
func Listen(path string) (*Listener, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "binding rendezvous socket %v", path)
	}
	return &Listener{
		path:     path,
		listener: listener,
		clock:    clockwork.NewRealClock(),
	}, nil
}

// AcceptAndSend waits for one peer, writes the result line and closes
// the rendezvous. The write side of the connection is shut down first
// and the connection is held open for a short grace period, so the
// reader always observes the data before any close.
func (l *Listener) AcceptAndSend(ctx context.Context, line string) error {
	defer l.Close()

	wait := defaults.RendezvousTimeout
	deadline := l.clock.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
		wait = d.Sub(l.clock.Now())
	}
	if err := l.listener.(*net.UnixListener).SetDeadline(deadline); err != nil {
		return trace.ConvertSystemError(err)
	}
	conn, err := l.listener.Accept()
	if err != nil {
		if os.IsTimeout(err) {
			return trace.Wrap(ErrTimeout, "no reader connected to %v within %v", l.path, wait)
		}
		return trace.ConnectionProblem(err, "accepting on rendezvous socket %v", l.path)
	}
	defer conn.Close()

	log.Debugf("Sending rendezvous result over %v.", l.path)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return trace.ConnectionProblem(err, "writing rendezvous result")
	}
	if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
		return trace.ConvertSystemError(err)
	}
	l.clock.Sleep(defaults.RendezvousGraceDelay)
	return nil
}

// Close releases the socket and removes its path. Safe to call twice.
func (l *Listener) Close() error {
	err := l.listener.Close()
	os.Remove(l.path)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// Conn is the connecting half of a rendezvous, used to receive the
// single result line.
type Conn struct {
	conn  net.Conn
	buf   *bufio.Reader
	clock clockwork.Clock
	used  bool
}

// Dial waits for the rendezvous path to appear and connects to it.
// The wait is bounded by defaults.RendezvousTimeout or the context
// deadline, whichever comes first.
func Dial(ctx context.Context, path string) (*Conn, error) {
	clock := clockwork.NewRealClock()
	ctx, cancel := boundWait(ctx, clock)
	defer cancel()

	if err := waitForPath(ctx, path, clock); err != nil {
		return nil, trace.Wrap(err)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, trace.Wrap(ErrTimeout, "connecting to rendezvous socket %v", path)
		}
		return nil, trace.ConnectionProblem(err, "connecting to rendezvous socket %v", path)
	}
	return &Conn{conn: conn, buf: bufio.NewReader(conn), clock: clock}, nil
}

// RecvLine reads the single result line. The rendezvous is spent
// afterwards: a second call fails.
func (c *Conn) RecvLine(ctx context.Context) (string, error) {
	if c.used {
		return "", trace.BadParameter("rendezvous channel is single-use")
	}
	c.used = true

	ctx, cancel := boundWait(ctx, c.clock)
	defer cancel()
	wait := defaults.RendezvousTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = deadline.Sub(c.clock.Now())
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return "", trace.ConvertSystemError(err)
		}
	}
	line, err := c.buf.ReadString('\n')
	if err != nil {
		if os.IsTimeout(err) {
			return "", trace.Wrap(ErrTimeout, "no rendezvous result within %v", wait)
		}
		return "", trace.ConnectionProblem(err, "reading rendezvous result")
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	return trace.Wrap(c.conn.Close())
}

// boundWait caps ctx with the rendezvous timeout unless an earlier
// deadline is already set.
func boundWait(ctx context.Context, clock clockwork.Clock) (context.Context, context.CancelFunc) {
	deadline := clock.Now().Add(defaults.RendezvousTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// waitForPath blocks until path exists. An fsnotify watch on the
// parent directory races a linear-backoff stat poll: the poll covers
// events lost before the watch was established.
func waitForPath(ctx context.Context, path string, clock clockwork.Clock) error {
	exists := func() bool {
		_, err := os.Lstat(path)
		return err == nil
	}
	if exists() {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return trace.ConvertSystemError(err)
	}
	// the path may have appeared while the watch was being set up
	if exists() {
		return nil
	}

	retry, err := utils.NewLinear(utils.LinearConfig{
		First: defaults.PollStep,
		Step:  defaults.PollStep,
		Max:   defaults.PollMax,
		Clock: clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for {
		select {
		case event := <-watcher.Events:
			if event.Name == path && exists() {
				return nil
			}
		case err := <-watcher.Errors:
			log.Warnf("Rendezvous path watcher failed: %v.", err)
		case <-retry.After():
			retry.Inc()
			if exists() {
				return nil
			}
		case <-ctx.Done():
			return trace.Wrap(ErrTimeout, "rendezvous socket %v never appeared", path)
		}
	}
}

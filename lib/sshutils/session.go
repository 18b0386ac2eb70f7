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

// Package sshutils is the harness's boundary to the SSH protocol
// engine. It wraps x/crypto/ssh connections into process-local
// sessions exposing a single ordered stream of incoming messages,
// so the server loop can pull and dispatch them one at a time.
package sshutils

import (
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/sshtest/lib/defaults"
)

// MessageKind discriminates incoming protocol messages. The set is
// closed: everything that is not a channel open or a channel request
// is KindOther.
type MessageKind int

const (
	// KindChannelOpenRequest is a request to open a new channel
	// within the session.
	KindChannelOpenRequest MessageKind = iota
	// KindChannelRequest is an out-of-band request on an already
	// accepted channel (pty-req, exec and friends).
	KindChannelRequest
	// KindOther covers global requests and anything unrecognized.
	KindOther
)

// String returns the kind name for logging.
func (k MessageKind) String() string {
	switch k {
	case KindChannelOpenRequest:
		return "channel-open-request"
	case KindChannelRequest:
		return "channel-request"
	default:
		return "other"
	}
}

// Session is one established protocol connection, client or server
// side. A session is owned by the process that created it and must
// never cross a process boundary.
type Session struct {
	conn ssh.Conn
	// messages is the merged queue of incoming protocol messages
	messages chan *Message
	// done closes when the underlying connection is gone
	done  chan struct{}
	clock clockwork.Clock

	closeOnce sync.Once
}

// Message is one incoming unit read from a session. It is only valid
// until the next call to NextMessage: consume it (reply or ignore)
// before reading again.
type Message struct {
	kind    MessageKind
	req     *ssh.Request
	nch     ssh.NewChannel
	session *Session
}

func newSession(conn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, clock clockwork.Clock, server bool) *Session {
	s := &Session{
		conn:     conn,
		messages: make(chan *Message, 32),
		done:     make(chan struct{}),
		clock:    clock,
	}
	if server {
		go s.pumpChannels(chans)
		go s.pumpRequests(KindOther, reqs)
	} else {
		// client sessions initiate channels, they do not serve them
		go rejectChannels(chans)
		go ssh.DiscardRequests(reqs)
	}
	go func() {
		conn.Wait()
		close(s.done)
	}()
	return s
}

func rejectChannels(chans <-chan ssh.NewChannel) {
	for nch := range chans {
		nch.Reject(ssh.Prohibited, "this session does not accept channels")
	}
}

func (s *Session) pumpChannels(chans <-chan ssh.NewChannel) {
	for nch := range chans {
		s.enqueue(&Message{kind: KindChannelOpenRequest, nch: nch, session: s})
	}
}

func (s *Session) pumpRequests(kind MessageKind, reqs <-chan *ssh.Request) {
	for req := range reqs {
		s.enqueue(&Message{kind: kind, req: req, session: s})
	}
}

func (s *Session) enqueue(m *Message) {
	select {
	case s.messages <- m:
	case <-s.done:
		// nobody will read this message anymore
	}
}

// NextMessage returns the next incoming message. It returns io.EOF
// once the peer is gone and every buffered message has been consumed.
func (s *Session) NextMessage(ctx context.Context) (*Message, error) {
	// drain buffered messages before reporting end of stream
	select {
	case m := <-s.messages:
		return m, nil
	default:
	}
	select {
	case m := <-s.messages:
		return m, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

// IsConnected reports whether the underlying connection is still live.
func (s *Session) IsConnected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// User returns the authenticated user name of the session.
func (s *Session) User() string {
	return s.conn.User()
}

// OpenChannel opens a new channel within the session. Used by the
// client side; the returned channel becomes ready once the peer sends
// its first data.
func (s *Session) OpenChannel(name string) (*Channel, error) {
	ch, reqs, err := s.conn.OpenChannel(name, nil)
	if err != nil {
		return nil, trace.Wrap(err, "opening %q channel", name)
	}
	go ssh.DiscardRequests(reqs)
	return newChannel(ch, s.clock), nil
}

// SendRequest sends a global request and waits for the reply.
func (s *Session) SendRequest(name string, payload []byte) (bool, error) {
	ok, _, err := s.conn.SendRequest(name, true, payload)
	return ok, trace.Wrap(err)
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return trace.Wrap(err)
}

// Kind returns the message's discriminated kind.
func (m *Message) Kind() MessageKind {
	return m.kind
}

// Type returns the raw protocol type string of the message, useful
// for logging.
func (m *Message) Type() string {
	if m.nch != nil {
		return m.nch.ChannelType()
	}
	if m.req != nil {
		return m.req.Type
	}
	return ""
}

// ReplySuccess acknowledges the message with a generic success. It is
// a no-op for requests that did not ask for a reply. Channel open
// requests cannot be acknowledged this way, accept them instead.
func (m *Message) ReplySuccess() error {
	if m.req == nil {
		return trace.BadParameter("channel open requests must go through AcceptChannelOpen")
	}
	if !m.req.WantReply {
		return nil
	}
	return trace.Wrap(m.req.Reply(true, nil))
}

// AcceptChannelOpen accepts a channel open request, producing a
// channel owned by this process for the remainder of the session.
// Requests arriving on the new channel feed back into the session's
// message queue as KindChannelRequest.
func (m *Message) AcceptChannelOpen() (*Channel, error) {
	if m.nch == nil {
		return nil, trace.BadParameter("message %q is not a channel open request", m.Type())
	}
	ch, reqs, err := m.nch.Accept()
	if err != nil {
		return nil, trace.Wrap(err, "accepting %q channel", m.nch.ChannelType())
	}
	log.Debugf("Accepted %q channel from %v.", m.nch.ChannelType(), m.session.conn.RemoteAddr())
	go m.session.pumpRequests(KindChannelRequest, reqs)
	return newChannel(ch, m.session.clock), nil
}

// Channel is an open sub-stream within a session. It becomes ready
// for I/O once the peer's first data has arrived; WaitReady blocks
// until then, bounded by defaults.ChannelReadyTimeout.
type Channel struct {
	ch    ssh.Channel
	clock clockwork.Clock

	// ready closes after the first read from the peer returns
	ready chan struct{}

	mu      sync.Mutex
	head    []byte
	headErr error
}

func newChannel(ch ssh.Channel, clock clockwork.Clock) *Channel {
	c := &Channel{
		ch:    ch,
		clock: clock,
		ready: make(chan struct{}),
	}
	go c.peek()
	return c
}

// peek performs the channel's first read so readiness can be observed
// without consuming data: whatever arrives is stashed and handed to
// the first Read call.
func (c *Channel) peek() {
	buf := make([]byte, 4096)
	n, err := c.ch.Read(buf)
	c.mu.Lock()
	c.head = buf[:n]
	c.headErr = err
	c.mu.Unlock()
	close(c.ready)
}

// WaitReady blocks until the peer's first data has arrived, the
// context is cancelled, or the readiness timeout expires with
// ErrChannelNotReady.
func (c *Channel) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-c.clock.After(defaults.ChannelReadyTimeout):
		return trace.Wrap(ErrChannelNotReady, "no channel data within %v", defaults.ChannelReadyTimeout)
	}
}

// Read returns data sent by the peer, serving the stashed first chunk
// before falling through to the underlying channel.
func (c *Channel) Read(p []byte) (int, error) {
	<-c.ready
	c.mu.Lock()
	if len(c.head) > 0 {
		n := copy(p, c.head)
		c.head = c.head[n:]
		c.mu.Unlock()
		return n, nil
	}
	err := c.headErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.ch.Read(p)
}

// Write sends data to the peer.
func (c *Channel) Write(p []byte) (int, error) {
	return c.ch.Write(p)
}

// SendRequest sends an out-of-band request on the channel and waits
// for the peer's acknowledgment.
func (c *Channel) SendRequest(name string, payload []byte) (bool, error) {
	ok, err := c.ch.SendRequest(name, true, payload)
	return ok, trace.Wrap(err)
}

// CloseWrite signals the peer that no more data will be sent, leaving
// the read side open.
func (c *Channel) CloseWrite() error {
	return trace.Wrap(c.ch.CloseWrite())
}

// Close closes the channel.
func (c *Channel) Close() error {
	return trace.Wrap(c.ch.Close())
}

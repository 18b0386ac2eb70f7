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
	"errors"
	"io"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// ChannelBodyFunc is the read/write callback the dispatch loop invokes
// with a channel that is ready for I/O.
type ChannelBodyFunc func(ctx context.Context, ch *Channel) error

type messageHandler func(ctx context.Context, msg *Message) error

// ServeSessionLoop pulls incoming messages from a server-side session
// one at a time and dispatches on their kind:
//
//   - channel open requests are accepted; once the new channel has
//     data ready, body is invoked with it;
//   - channel requests and everything unrecognized get a generic
//     success acknowledgment;
//   - end of stream is ignored, no reply, and ends the loop.
//
// Connectivity is re-checked after, never before, each message is
// processed, so at least one read is attempted even on a session that
// is already closed. Protocol errors pass through to the caller.
func ServeSessionLoop(ctx context.Context, session *Session, body ChannelBodyFunc) error {
	handlers := map[MessageKind]messageHandler{
		KindChannelOpenRequest: func(ctx context.Context, msg *Message) error {
			// the accepted channel stays open for the remainder of
			// the session, it dies with the owning process
			ch, err := msg.AcceptChannelOpen()
			if err != nil {
				return trace.Wrap(err)
			}
			if err := ch.WaitReady(ctx); err != nil {
				return trace.Wrap(err)
			}
			return trace.Wrap(body(ctx, ch))
		},
		KindChannelRequest: ackSuccess,
	}
	for {
		msg, err := session.NextMessage(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		log.Debugf("Dispatching %v message %q.", msg.Kind(), msg.Type())
		handler, ok := handlers[msg.Kind()]
		if !ok {
			// unknown kinds fall through to the generic acknowledgment
			handler = ackSuccess
		}
		if err := handler(ctx, msg); err != nil {
			return trace.Wrap(err)
		}
		if !session.IsConnected() {
			return nil
		}
	}
}

func ackSuccess(_ context.Context, msg *Message) error {
	return trace.Wrap(msg.ReplySuccess())
}

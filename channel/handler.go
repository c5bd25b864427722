// Copyright 2021-2022 The sockroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"context"
	"errors"

	"github.com/alwitt/sockroute/push"
)

// Responder sends the outcome of a dispatch
type Responder func(data interface{})

// ErrorResponder sends the failure of a dispatch
type ErrorResponder func(err error)

// SocketContext gives broadcast handlers direct access to the calling connection
type SocketContext interface {
	// Emit send an event to the calling connection
	Emit(event string, data interface{}) error
	// To send an event to every member of a room of the channel
	To(event string, data interface{}, room string) error
	// Room the room named by the request. "" if none.
	Room() string
}

// SimpleHandlerFunc is a handler replying through callbacks.
//
// The engine is nil unless the channel is push-enabled.
type SimpleHandlerFunc func(
	ctxt context.Context,
	req Request,
	onSuccess Responder,
	onError ErrorResponder,
	engine push.Engine,
) error

// BroadcastHandlerFunc is a handler addressing several parties through the socket
// context. Its emissions are independent of the dispatcher's own error reply.
type BroadcastHandlerFunc func(
	ctxt context.Context,
	req Request,
	socket SocketContext,
	onError ErrorResponder,
	engine push.Engine,
) error

// HandlerKind the shape of a channel handler
type HandlerKind int

// Handler kinds
const (
	KindSimple HandlerKind = iota
	KindBroadcast
)

func (k HandlerKind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Handler is a channel handler of one of the supported kinds
type Handler struct {
	kind      HandlerKind
	simple    SimpleHandlerFunc
	broadcast BroadcastHandlerFunc
}

// Simple define a handler replying through callbacks
func Simple(fn SimpleHandlerFunc) Handler {
	return Handler{kind: KindSimple, simple: fn}
}

// Broadcast define a handler receiving a socket context
func Broadcast(fn BroadcastHandlerFunc) Handler {
	return Handler{kind: KindBroadcast, broadcast: fn}
}

// Kind the handler's kind
func (h Handler) Kind() HandlerKind {
	return h.kind
}

// validate whether the handler holds a function of its kind
func (h Handler) validate() error {
	switch h.kind {
	case KindSimple:
		if h.simple == nil {
			return errors.New("simple handler function is nil")
		}
	case KindBroadcast:
		if h.broadcast == nil {
			return errors.New("broadcast handler function is nil")
		}
	default:
		return errors.New("unknown handler kind")
	}
	return nil
}

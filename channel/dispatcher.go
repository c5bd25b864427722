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
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/rooms"
	"github.com/alwitt/sockroute/session"
	"github.com/apex/log"
)

// Conn is the dispatcher's view of a connected client
type Conn interface {
	rooms.Member
	// Credential the bearer credential supplied at handshake. "" if none.
	Credential() string
	// Session the session cached on the connection. nil if none.
	Session() session.Payload
	// SetSession cache the session on the connection
	SetSession(session.Payload)
}

// Dispatcher routes inbound channel events to the registered handlers
type Dispatcher interface {
	// Dispatch process one inbound event received on a registered channel
	Dispatch(ctxt context.Context, conn Conn, channel string, data json.RawMessage)
	// Registry the channel registry
	Registry() Registry
	// Rooms the room membership manager
	Rooms() rooms.Manager
}

// DispatcherParam parameters for defining a Dispatcher
type DispatcherParam struct {
	// Registry is the channel registry
	Registry Registry
	// Rooms is the room membership manager
	Rooms rooms.Manager
	// Validator verifies session tokens. A nil validator rejects every token.
	Validator session.Validator
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	registry  Registry
	rooms     rooms.Manager
	validator session.Validator
}

// GetDispatcher define a new Dispatcher
func GetDispatcher(param DispatcherParam) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "channel", "component": "dispatcher",
	}
	if param.Registry == nil || param.Rooms == nil {
		return nil, fmt.Errorf("dispatcher requires a registry and a room manager")
	}
	return &dispatcherImpl{
		Component: common.Component{LogTags: logTags},
		registry:  param.Registry,
		rooms:     param.Rooms,
		validator: param.Validator,
	}, nil
}

func (d *dispatcherImpl) Registry() Registry {
	return d.registry
}

func (d *dispatcherImpl) Rooms() rooms.Manager {
	return d.rooms
}

// replier sends exactly one success or error reply for a dispatch
type replier struct {
	common.Component
	once    sync.Once
	conn    Conn
	rooms   rooms.Manager
	channel string
	room    string
}

func (r *replier) emit(event string, data interface{}) {
	if r.room != "" {
		r.rooms.Broadcast(r.channel, r.room, event, data)
		return
	}
	if err := r.conn.Emit(event, data); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to emit '%s'", event)
	}
}

func (r *replier) success(data interface{}) {
	r.once.Do(func() {
		r.emit(SuccessEvent(r.channel), data)
	})
}

func (r *replier) failure(err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	r.once.Do(func() {
		r.emit(ErrorEvent(r.channel), ErrorPayload{Error: err.Error()})
	})
}

// socketContext implements SocketContext for one dispatch
type socketContext struct {
	conn    Conn
	rooms   rooms.Manager
	channel string
	room    string
}

func (s *socketContext) Emit(event string, data interface{}) error {
	return s.conn.Emit(event, data)
}

func (s *socketContext) To(event string, data interface{}, room string) error {
	if room == "" {
		return fmt.Errorf("room name can not be empty")
	}
	s.rooms.Broadcast(s.channel, room, event, data)
	return nil
}

func (s *socketContext) Room() string {
	return s.room
}

// Dispatch process one inbound event
func (d *dispatcherImpl) Dispatch(
	ctxt context.Context, conn Conn, channel string, data json.RawMessage,
) {
	logTags := common.UpdateLogTags(ctxt, d.LogTags)
	logTags["channel"] = channel

	config, ok := d.registry.Lookup(channel)
	if !ok {
		log.WithFields(logTags).Warnf("Event on unregistered channel '%s'", channel)
		_ = conn.Emit(ErrorEvent(channel), ErrorPayload{
			Error: fmt.Sprintf("unknown channel '%s'", channel),
		})
		return
	}

	req, err := DecodeRequest(config.Name, data)
	reply := &replier{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		rooms:     d.rooms,
		channel:   config.Name,
		room:      req.Room(),
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse request")
		reply.failure(err)
		return
	}
	req.ConnectionID = conn.ID()

	if config.TokenRequired {
		payload, err := d.authorize(conn, req)
		if err != nil {
			log.WithError(err).WithFields(logTags).Warn("Rejected unauthorized event")
			reply.failure(errors.New(session.UnauthorizedMessage))
			return
		}
		if !reflect.DeepEqual(conn.Session(), payload) {
			conn.SetSession(payload)
		}
		req.Session = payload
	}

	if err := d.invoke(ctxt, config, req, conn, reply); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Handler of '%s' failed", config.Name)
		reply.failure(err)
	}
}

// authorize resolve the session of the event.
//
// A credential on the connection or the request is always verified. Without one, the
// session cached on the connection is reused.
func (d *dispatcherImpl) authorize(conn Conn, req Request) (session.Payload, error) {
	credential := conn.Credential()
	if credential == "" {
		credential = req.Authorization()
	}
	if credential == "" {
		if cached := conn.Session(); len(cached) > 0 {
			return cached, nil
		}
		return nil, fmt.Errorf("%w: no credential", session.ErrUnauthorized)
	}
	if d.validator == nil {
		return nil, fmt.Errorf("%w: no token validator", session.ErrUnauthorized)
	}
	return d.validator.Verify(credential)
}

// invoke run the handler, converting a panic into an error
func (d *dispatcherImpl) invoke(
	ctxt context.Context, config Config, req Request, conn Conn, reply *replier,
) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			if asErr, ok := recovered.(error); ok {
				err = asErr
			} else {
				err = fmt.Errorf("%v", recovered)
			}
		}
	}()
	switch config.Handler.kind {
	case KindSimple:
		return config.Handler.simple(ctxt, req, reply.success, reply.failure, config.Engine)
	case KindBroadcast:
		socket := &socketContext{
			conn: conn, rooms: d.rooms, channel: config.Name, room: req.Room(),
		}
		return config.Handler.broadcast(ctxt, req, socket, reply.failure, config.Engine)
	default:
		return fmt.Errorf("unsupported handler kind %s", config.Handler.kind)
	}
}

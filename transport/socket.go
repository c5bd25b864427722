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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeWait = time.Second * 10

// EventHandler processes the payload of one inbound event
type EventHandler func(ctxt context.Context, data json.RawMessage)

// DisconnectHandler is called once when the socket closes
type DisconnectHandler func(reason error)

// Socket is one WebSocket connection carrying named events
type Socket interface {
	// ID the socket ID
	ID() string
	// Handshake the values the client supplied when connecting
	Handshake() Handshake
	// Emit queue an event for the client
	Emit(event string, data interface{}) error
	// On install the handler of an inbound event, replacing any existing one
	On(event string, handler EventHandler)
	// Off remove the handler of an inbound event
	Off(event string)
	// OnDisconnect install a handler called when the socket closes
	OnDisconnect(handler DisconnectHandler)
	// Run process the connection until it closes or the context is cancelled.
	// Inbound events are handled serially in arrival order.
	Run(ctxt context.Context)
	// Close close the connection
	Close() error
}

// SocketParam parameters for a Socket
type SocketParam struct {
	// MaxMessageSize is the max size of an inbound frame in bytes
	MaxMessageSize int64
	// PingInterval is the interval between keepalive pings
	PingInterval time.Duration
	// SendBuffer is the number of outbound frames buffered
	SendBuffer int
	// EventsPerSec is the sustained inbound event rate. <= 0 disables the limit.
	EventsPerSec float64
	// Burst is the inbound event burst size
	Burst int
}

// socketImpl implements Socket over a gorilla WebSocket connection
type socketImpl struct {
	common.Component
	id        string
	conn      *websocket.Conn
	handshake Handshake
	param     SocketParam
	limiter   *rate.Limiter
	validate  *validator.Validate

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	handlerLock  sync.RWMutex
	handlers     map[string]EventHandler
	onDisconnect []DisconnectHandler
}

func newSocket(
	conn *websocket.Conn, handshake Handshake, param SocketParam, validate *validator.Validate,
) *socketImpl {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "transport", "component": "socket", "instance": id,
	}
	if param.SendBuffer < 1 {
		param.SendBuffer = 1
	}
	var limiter *rate.Limiter
	if param.EventsPerSec > 0 {
		burst := param.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(param.EventsPerSec), burst)
	}
	if param.MaxMessageSize > 0 {
		conn.SetReadLimit(param.MaxMessageSize)
	}
	return &socketImpl{
		Component: common.Component{LogTags: logTags},
		id:        id,
		conn:      conn,
		handshake: handshake,
		param:     param,
		limiter:   limiter,
		validate:  validate,
		send:      make(chan []byte, param.SendBuffer),
		closed:    make(chan struct{}),
		handlers:  make(map[string]EventHandler),
	}
}

func (s *socketImpl) ID() string {
	return s.id
}

func (s *socketImpl) Handshake() Handshake {
	return s.handshake
}

// Emit queue an event for the client
func (s *socketImpl) Emit(event string, data interface{}) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode '%s'", event)
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.closed:
		return ErrClosed
	default:
		log.WithFields(s.LogTags).Warnf("Dropping '%s': send buffer full", event)
		return ErrSendBufferFull
	}
}

func (s *socketImpl) On(event string, handler EventHandler) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	s.handlers[event] = handler
}

func (s *socketImpl) Off(event string) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	delete(s.handlers, event)
}

func (s *socketImpl) OnDisconnect(handler DisconnectHandler) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	s.onDisconnect = append(s.onDisconnect, handler)
}

// Close close the connection
func (s *socketImpl) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// Run process the connection until it closes
func (s *socketImpl) Run(ctxt context.Context) {
	runCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()
	ctxt = common.WithConnectionParam(runCtxt, common.ConnectionParam{
		ID: s.id, RemoteAddr: s.handshake.RemoteAddr,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(runCtxt)
	}()

	reason := s.readPump(ctxt)
	_ = s.Close()
	cancel()
	<-writerDone

	s.handlerLock.RLock()
	hooks := make([]DisconnectHandler, len(s.onDisconnect))
	copy(hooks, s.onDisconnect)
	s.handlerLock.RUnlock()
	for _, hook := range hooks {
		hook(reason)
	}
	log.WithFields(s.LogTags).Debugf("Socket closed [reason: %v]", reason)
}

// pongWait how long to wait for the client's pong
func (s *socketImpl) pongWait() time.Duration {
	return s.param.PingInterval * 10 / 9
}

// readPump read and dispatch inbound frames until the connection fails. Returns the
// reason the connection ended.
func (s *socketImpl) readPump(ctxt context.Context) error {
	logTags := common.UpdateLogTags(ctxt, s.LogTags)
	if s.param.PingInterval > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
		})
	}
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				return nil
			}
			log.WithError(err).WithFields(logTags).Debug("Read failed")
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			log.WithFields(logTags).Warn("Inbound rate limit exceeded; discarding event")
			continue
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Discarding malformed frame")
			continue
		}
		if err := s.validate.Struct(&frame); err != nil {
			log.WithError(err).WithFields(logTags).Warn("Discarding invalid frame")
			continue
		}
		s.handlerLock.RLock()
		handler, ok := s.handlers[frame.Event]
		s.handlerLock.RUnlock()
		if !ok {
			log.WithFields(logTags).Debugf("No handler for '%s'", frame.Event)
			continue
		}
		handler(ctxt, frame.Data)
	}
}

// writePump write queued frames and keepalive pings
func (s *socketImpl) writePump(ctxt context.Context) {
	var pings <-chan time.Time
	if s.param.PingInterval > 0 {
		ticker := time.NewTicker(s.param.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	for {
		select {
		case <-ctxt.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			_ = s.Close()
			return
		case <-s.closed:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Write failed")
				_ = s.Close()
				return
			}
		case <-pings:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Ping failed")
				_ = s.Close()
				return
			}
		}
	}
}

// isExpectedClose whether err is an orderly end of the connection
func isExpectedClose(err error) bool {
	if websocket.IsCloseError(
		err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived,
	) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

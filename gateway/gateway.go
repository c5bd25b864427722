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

// Package gateway binds WebSocket connections to the channel dispatcher
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sockroute/channel"
	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/session"
	"github.com/alwitt/sockroute/transport"
	"github.com/apex/log"
)

// ConnectHook is called once a connection is accepted, before any event is processed
type ConnectHook func(ctxt context.Context, conn channel.Conn)

// DisconnectHook is called once a connection is released
type DisconnectHook func(conn channel.Conn, reason error)

// Gateway accepts WebSocket connections and routes their events to the dispatcher
type Gateway interface {
	http.Handler
	// ConnectionCount number of live connections
	ConnectionCount() int
	// Wait block until every connection is released
	Wait()
}

// GatewayParam parameters for defining a Gateway
type GatewayParam struct {
	// Dispatcher routes inbound channel events
	Dispatcher channel.Dispatcher
	// Upgrader upgrades HTTP requests into sockets
	Upgrader transport.Upgrader
	// APIKey if set, connections must present this key during handshake
	APIKey string
	// RequestIDHeader is the HTTP header carrying the request ID
	RequestIDHeader string
	// OnConnect is called when a connection is accepted. Optional.
	OnConnect ConnectHook
	// OnDisconnect is called when a connection is released. Optional.
	OnDisconnect DisconnectHook
}

// client implements channel.Conn over a transport socket
type client struct {
	socket  transport.Socket
	lock    sync.Mutex
	session session.Payload
}

func (c *client) ID() string {
	return c.socket.ID()
}

func (c *client) Emit(event string, data interface{}) error {
	return c.socket.Emit(event, data)
}

func (c *client) Credential() string {
	return c.socket.Handshake().Authorization
}

func (c *client) Session() session.Payload {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.session
}

func (c *client) SetSession(payload session.Payload) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.session = payload
}

// gatewayImpl implements Gateway
type gatewayImpl struct {
	goutils.RestAPIHandler
	runtimeCtxt  context.Context
	dispatcher   channel.Dispatcher
	upgrader     transport.Upgrader
	apiKey       string
	onConnect    ConnectHook
	onDisconnect DisconnectHook

	lock    sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup
}

// GetGateway define a new Gateway. Connections are closed once runtimeCtxt is cancelled.
func GetGateway(runtimeCtxt context.Context, param GatewayParam) (Gateway, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "websocket-gateway",
	}
	if param.Dispatcher == nil || param.Upgrader == nil {
		return nil, fmt.Errorf("gateway requires a dispatcher and an upgrader")
	}
	requestIDHeader := param.RequestIDHeader
	return &gatewayImpl{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
		},
		runtimeCtxt:  runtimeCtxt,
		dispatcher:   param.Dispatcher,
		upgrader:     param.Upgrader,
		apiKey:       param.APIKey,
		onConnect:    param.OnConnect,
		onDisconnect: param.OnDisconnect,
		clients:      make(map[string]*client),
	}, nil
}

// ServeHTTP authorize and upgrade one connection, then serve it until it closes
func (g *gatewayImpl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	localLogTags := g.GetLogTagsForContext(r.Context())
	handshake := transport.ParseHandshake(r)
	if g.apiKey != "" &&
		subtle.ConstantTimeCompare([]byte(g.apiKey), []byte(handshake.APIKey)) != 1 {
		msg := "Invalid API key"
		log.WithFields(localLogTags).Warnf("Rejected connection from %s", handshake.RemoteAddr)
		if err := g.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			g.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, ""),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	socket, err := g.upgrader.Upgrade(w, r)
	if err != nil {
		return
	}
	conn := &client{socket: socket}

	g.wg.Add(1)
	defer g.wg.Done()
	g.lock.Lock()
	g.clients[conn.ID()] = conn
	g.lock.Unlock()

	g.attachListeners(conn)
	socket.OnDisconnect(func(reason error) {
		g.release(conn, reason)
	})
	log.WithFields(localLogTags).Infof(
		"Accepted connection %s from %s", conn.ID(), handshake.RemoteAddr,
	)
	if g.onConnect != nil {
		g.onConnect(g.runtimeCtxt, conn)
	}
	socket.Run(g.runtimeCtxt)
}

// attachListeners install one listener per registered channel, plus join / leave for
// channels with room support
func (g *gatewayImpl) attachListeners(conn *client) {
	for _, config := range g.dispatcher.Registry().Channels() {
		channelName := config.Name
		conn.socket.On(channelName, func(ctxt context.Context, data json.RawMessage) {
			g.dispatcher.Dispatch(ctxt, conn, channelName, data)
		})
		if !config.RoomSupport {
			continue
		}
		conn.socket.On(
			channelName+channel.SuffixJoin,
			func(ctxt context.Context, data json.RawMessage) {
				g.joinRoom(ctxt, conn, channelName, data)
			},
		)
		conn.socket.On(
			channelName+channel.SuffixLeave,
			func(ctxt context.Context, data json.RawMessage) {
				g.leaveRoom(ctxt, conn, channelName, data)
			},
		)
	}
}

// parseRoomName read the room name carried by a join / leave event
func parseRoomName(data json.RawMessage) (string, error) {
	var room string
	if err := json.Unmarshal(data, &room); err != nil {
		return "", fmt.Errorf("room name must be a string: %w", err)
	}
	if room == "" {
		return "", fmt.Errorf("room name can not be empty")
	}
	return room, nil
}

func (g *gatewayImpl) joinRoom(
	ctxt context.Context, conn *client, channelName string, data json.RawMessage,
) {
	localLogTags := common.UpdateLogTags(ctxt, g.LogTags)
	room, err := parseRoomName(data)
	if err == nil {
		err = g.dispatcher.Rooms().Join(channelName, room, conn)
	}
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Connection %s failed to join room on '%s'", conn.ID(), channelName,
		)
		_ = conn.Emit(channel.ErrorEvent(channelName), channel.ErrorPayload{Error: err.Error()})
		return
	}
	log.WithFields(localLogTags).Debugf("Connection %s joined '%s'", conn.ID(), room)
}

func (g *gatewayImpl) leaveRoom(
	ctxt context.Context, conn *client, channelName string, data json.RawMessage,
) {
	localLogTags := common.UpdateLogTags(ctxt, g.LogTags)
	room, err := parseRoomName(data)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Connection %s failed to leave room on '%s'", conn.ID(), channelName,
		)
		_ = conn.Emit(channel.ErrorEvent(channelName), channel.ErrorPayload{Error: err.Error()})
		return
	}
	g.dispatcher.Rooms().Leave(channelName, room, conn.ID())
	log.WithFields(localLogTags).Debugf("Connection %s left '%s'", conn.ID(), room)
}

// release drop every room membership and the connection record
func (g *gatewayImpl) release(conn *client, reason error) {
	left := g.dispatcher.Rooms().LeaveAll(conn.ID())
	g.lock.Lock()
	delete(g.clients, conn.ID())
	g.lock.Unlock()
	log.WithFields(g.LogTags).Infof(
		"Released connection %s [rooms left: %d, reason: %v]", conn.ID(), len(left), reason,
	)
	if g.onDisconnect != nil {
		g.onDisconnect(conn, reason)
	}
}

func (g *gatewayImpl) ConnectionCount() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.clients)
}

func (g *gatewayImpl) Wait() {
	g.wg.Wait()
}

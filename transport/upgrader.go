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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Upgrader upgrades HTTP requests into Sockets
type Upgrader interface {
	// Upgrade complete the WebSocket handshake. On failure an HTTP error response has
	// already been written.
	Upgrade(w http.ResponseWriter, r *http.Request) (Socket, error)
}

// upgraderImpl implements Upgrader
type upgraderImpl struct {
	common.Component
	upgrader  websocket.Upgrader
	param     SocketParam
	allowAll  bool
	origins   map[string]bool
	validator *validator.Validate
}

// GetUpgrader define a new Upgrader.
//
// allowedOrigins lists the origins allowed to connect. "*" allows all. Requests without
// an Origin header are not browser requests and are always allowed.
func GetUpgrader(param SocketParam, allowedOrigins []string) Upgrader {
	logTags := log.Fields{
		"module": "transport", "component": "upgrader",
	}
	instance := &upgraderImpl{
		Component: common.Component{LogTags: logTags},
		param:     param,
		origins:   map[string]bool{},
		validator: validator.New(),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			instance.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.WithFields(logTags).Warnf("Ignoring invalid origin %q", origin)
			continue
		}
		instance.origins[normalized] = true
	}
	instance.upgrader = websocket.Upgrader{
		HandshakeTimeout: time.Second * 10,
		CheckOrigin:      instance.checkOrigin,
	}
	return instance
}

// SocketParamFromConfig convert the WebSocket config into Socket parameters
func SocketParamFromConfig(config common.WebSocketConfig) SocketParam {
	return SocketParam{
		MaxMessageSize: config.MaxMessageSize,
		PingInterval:   time.Second * time.Duration(config.PingInterval),
		SendBuffer:     config.SendBuffer,
		EventsPerSec:   config.RateLimit.EventsPerSec,
		Burst:          config.RateLimit.Burst,
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (u *upgraderImpl) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || u.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if !u.origins[normalized] {
		log.WithFields(u.LogTags).Warnf("Rejected connection from origin %q", origin)
		return false
	}
	return true
}

// Upgrade complete the WebSocket handshake
func (u *upgraderImpl) Upgrade(w http.ResponseWriter, r *http.Request) (Socket, error) {
	handshake := ParseHandshake(r)
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(u.LogTags).Errorf(
			"Upgrade failed for %s", handshake.RemoteAddr,
		)
		return nil, err
	}
	socket := newSocket(conn, handshake, u.param, u.validator)
	log.WithFields(u.LogTags).Debugf(
		"Upgraded connection %s from %s", socket.ID(), handshake.RemoteAddr,
	)
	return socket, nil
}

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

// Package transport carries named JSON events over WebSocket connections
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Handshake query parameters and headers
const (
	QueryAPIKey         = "api_key"
	QueryAuthorization  = "authorization"
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

// ErrClosed is returned when emitting on a closed socket
var ErrClosed = errors.New("socket closed")

// ErrSendBufferFull is returned when the peer is not draining its outbound frames
var ErrSendBufferFull = errors.New("send buffer full")

// Frame is one event on the wire
type Frame struct {
	// Event is the event name
	Event string `json:"event" validate:"required"`
	// Data is the event payload
	Data json.RawMessage `json:"data,omitempty"`
}

// Handshake the values a client supplied when connecting
type Handshake struct {
	// APIKey is the connection API key
	APIKey string
	// Authorization is the connection scoped bearer credential
	Authorization string
	// RemoteAddr is the client address
	RemoteAddr string
	// Query is the full query of the upgrade request
	Query url.Values
}

// ParseHandshake read the handshake values of an upgrade request. Query parameters
// take precedence over headers since browsers can not set headers on WebSocket
// requests.
func ParseHandshake(r *http.Request) Handshake {
	query := r.URL.Query()
	pick := func(queryKey, header string) string {
		if value := strings.TrimSpace(query.Get(queryKey)); value != "" {
			return value
		}
		return strings.TrimSpace(r.Header.Get(header))
	}
	return Handshake{
		APIKey:        pick(QueryAPIKey, HeaderAPIKey),
		Authorization: pick(QueryAuthorization, HeaderAuthorization),
		RemoteAddr:    r.RemoteAddr,
		Query:         query,
	}
}

// encodeFrame serialize an outbound event
func encodeFrame(event string, data interface{}) ([]byte, error) {
	frame := Frame{Event: event}
	if data != nil {
		switch v := data.(type) {
		case json.RawMessage:
			frame.Data = v
		default:
			serialized, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			frame.Data = serialized
		}
	}
	return json.Marshal(&frame)
}

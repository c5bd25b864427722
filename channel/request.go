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

// Package channel holds the channel registry and dispatches inbound channel events to
// their registered handlers
package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/alwitt/sockroute/session"
)

// Reserved request parameters
const (
	ParamRoom          = "room"
	ParamAuthorization = "authorization"
)

// Event name suffixes of the wire contract
const (
	SuffixSuccess          = ":success"
	SuffixError            = ":error"
	SuffixJoin             = ":join"
	SuffixLeave            = ":leave"
	SuffixPushNotification = ":push-notification"
)

// SuccessEvent name of the success event of a channel
func SuccessEvent(channel string) string {
	return channel + SuffixSuccess
}

// ErrorEvent name of the error event of a channel
func ErrorEvent(channel string) string {
	return channel + SuffixError
}

// ErrorPayload is the payload of an error event
type ErrorPayload struct {
	Error string `json:"error"`
}

// Request is one inbound channel event
type Request struct {
	// Channel is the registered channel name
	Channel string `json:"-"`
	// ConnectionID is the ID of the originating connection
	ConnectionID string `json:"-"`
	// Body is the channel defined payload
	Body json.RawMessage `json:"body,omitempty"`
	// Params are the request parameters
	Params map[string]interface{} `json:"params,omitempty"`
	// Session is the decoded session. Only set on channels requiring a token.
	Session session.Payload `json:"-"`
}

// Param fetch a string parameter. Returns "" if absent or not a string.
func (r Request) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	if value, ok := r.Params[key].(string); ok {
		return value
	}
	return ""
}

// Room the room the request is addressed to
func (r Request) Room() string {
	return r.Param(ParamRoom)
}

// Authorization the bearer credential carried by the request
func (r Request) Authorization() string {
	return r.Param(ParamAuthorization)
}

// Bind decode the request body into target
func (r Request) Bind(target interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("request body is empty")
	}
	return json.Unmarshal(r.Body, target)
}

// DecodeRequest parse the data of an inbound channel event.
//
// An object carrying "body" or "params" is read as a request envelope. Any other
// payload is taken as the body.
func DecodeRequest(channel string, data json.RawMessage) (Request, error) {
	req := Request{Channel: channel}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return req, nil
	}
	if trimmed[0] != '{' {
		req.Body = trimmed
		return req, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return req, fmt.Errorf("malformed request: %w", err)
	}
	_, hasBody := fields["body"]
	_, hasParams := fields["params"]
	if !hasBody && !hasParams {
		req.Body = trimmed
		return req, nil
	}
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return req, fmt.Errorf("malformed request: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(req.Body), []byte("null")) {
		req.Body = nil
	}
	return req, nil
}

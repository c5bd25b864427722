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

package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ConnectionParam is a helper object for tracking a connection's parameters through
// its context
type ConnectionParam struct {
	// ID is the connection ID
	ID string `json:"id"`
	// RemoteAddr is the remote address of the connection
	RemoteAddr string `json:"remote_addr"`
	// Channel is the channel currently being processed, if any
	Channel string `json:"channel,omitempty"`
}

// UpdateLogTags updates Apex log.Fields map with values the connection's parameters
func (i *ConnectionParam) UpdateLogTags(tags log.Fields) {
	tags["connection_id"] = i.ID
	tags["remote_addr"] = fmt.Sprintf("'%s'", i.RemoteAddr)
	if i.Channel != "" {
		tags["channel"] = i.Channel
	}
}

// UpdateLogTags return a copy of the log tags with the connection parameters stored
// in the context added
func UpdateLogTags(ctxt context.Context, original log.Fields) log.Fields {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags
	}
	if v, ok := ctxt.Value(ConnectionParam{}).(ConnectionParam); ok {
		v.UpdateLogTags(newLogTags)
	}
	return newLogTags
}

// WithConnectionParam attach connection parameters to a context
func WithConnectionParam(ctxt context.Context, param ConnectionParam) context.Context {
	return context.WithValue(ctxt, ConnectionParam{}, param)
}

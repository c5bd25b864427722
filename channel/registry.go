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
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/push"
	"github.com/apex/log"
)

// Config is the configuration of one registered channel
type Config struct {
	// Name is the registration key. Push-enabled channels carry the
	// ":push-notification" suffix.
	Name string
	// Handler is the channel handler
	Handler Handler
	// TokenRequired whether every event must carry a valid session
	TokenRequired bool
	// RoomSupport whether join / leave are wired for this channel
	RoomSupport bool
	// Engine is the bound push delivery engine
	Engine push.Engine
}

// Option modifies a channel Config during registration
type Option func(*Config)

// WithTokenRequired require a valid session on every event of the channel
func WithTokenRequired() Option {
	return func(c *Config) {
		c.TokenRequired = true
	}
}

// WithRoomSupport override the registry's default room support
func WithRoomSupport(enabled bool) Option {
	return func(c *Config) {
		c.RoomSupport = enabled
	}
}

// WithDeliveryEngine bind a push delivery engine to the channel
func WithDeliveryEngine(engine push.Engine) Option {
	return func(c *Config) {
		c.Engine = engine
	}
}

// Registry holds the registered channels
type Registry interface {
	// Register add a channel. Registering a name already present is a no-op.
	//
	// Returns the registration key, and whether the channel was added.
	Register(name string, handler Handler, opts ...Option) (string, bool, error)
	// Lookup fetch the channel registered under key
	Lookup(key string) (Config, bool)
	// Channels list the registered channels ordered by name
	Channels() []Config
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock               sync.RWMutex
	channels           map[string]Config
	defaultRoomSupport bool
}

// GetRegistry define a new channel registry
func GetRegistry(defaultRoomSupport bool) Registry {
	logTags := log.Fields{
		"module": "channel", "component": "registry",
	}
	return &registryImpl{
		Component:          common.Component{LogTags: logTags},
		channels:           make(map[string]Config),
		defaultRoomSupport: defaultRoomSupport,
	}
}

// Register add a channel
func (r *registryImpl) Register(
	name string, handler Handler, opts ...Option,
) (string, bool, error) {
	if name == "" {
		return "", false, fmt.Errorf("channel name can not be empty")
	}
	if err := handler.validate(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Invalid handler for '%s'", name)
		return "", false, err
	}
	config := Config{Name: name, Handler: handler, RoomSupport: r.defaultRoomSupport}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Engine != nil {
		config.Name = name + SuffixPushNotification
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.channels[config.Name]; ok {
		log.WithFields(r.LogTags).Debugf("Channel '%s' already registered", config.Name)
		return config.Name, false, nil
	}
	r.channels[config.Name] = config
	log.WithFields(r.LogTags).Infof(
		"Registered channel '%s' [%s handler, token=%v, rooms=%v]",
		config.Name, handler.Kind(), config.TokenRequired, config.RoomSupport,
	)
	return config.Name, true, nil
}

// Lookup fetch a registered channel
func (r *registryImpl) Lookup(key string) (Config, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	config, ok := r.channels[key]
	return config, ok
}

// Channels list the registered channels
func (r *registryImpl) Channels() []Config {
	r.lock.RLock()
	result := make([]Config, 0, len(r.channels))
	for _, config := range r.channels {
		result = append(result, config)
	}
	r.lock.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

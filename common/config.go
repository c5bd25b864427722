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
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// PathPrefix is the end-point path prefix for the REST APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// WebSocket Related Config

// WebSocketRateLimitConfig defines the per-connection inbound event rate limit
type WebSocketRateLimitConfig struct {
	// EventsPerSec is the sustained number of inbound events allowed per second
	EventsPerSec float64 `mapstructure:"events_per_sec" json:"events_per_sec" validate:"gt=0"`
	// Burst is the max number of inbound events allowed in a burst
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
}

// WebSocketConfig defines the WebSocket transport parameters
type WebSocketConfig struct {
	// Path is the HTTP path the WebSocket upgrade is served on
	Path string `mapstructure:"path" json:"path" validate:"required"`
	// MaxMessageSize is the max size of an inbound frame in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=128"`
	// AllowedOrigins is the list of origins allowed to connect. "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// PingInterval is the interval between keepalive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// SendBuffer is the number of outbound frames buffered per connection
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// RateLimit is the per-connection inbound rate limit
	RateLimit WebSocketRateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required"`
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines the connection and event authorization parameters
type AuthConfig struct {
	// APIKey if set, every connection must present this key during handshake
	APIKey string `mapstructure:"api_key" json:"-"`
	// TokenSecret is the secret used to sign and verify session tokens
	TokenSecret string `mapstructure:"token_secret" json:"-"`
	// TokenTTL is the TTL of issued session tokens in seconds
	TokenTTL int `mapstructure:"token_ttl_sec" json:"token_ttl_sec" validate:"gte=1"`
}

// ===============================================================================
// Room Related Config

// RoomConfig defines the room membership parameters
type RoomConfig struct {
	// Expiration is the inactivity window after which a room is reclaimed, in seconds
	Expiration int `mapstructure:"expiration_sec" json:"expiration_sec" validate:"gte=1"`
	// SweepInterval is the interval of the periodic room sweep in seconds. 0 disables
	// the periodic sweep; the sweep scheduled on room creation still runs.
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=0"`
	// DefaultRoomSupport is the room support setting of channels which do not set one
	DefaultRoomSupport bool `mapstructure:"default_room_support" json:"default_room_support"`
}

// ExpirationDuration helper function to get the expiration as time.Duration
func (c RoomConfig) ExpirationDuration() time.Duration {
	return time.Second * time.Duration(c.Expiration)
}

// ===============================================================================
// Push Notification Related Config

// SubscriptionStoreConfig defines where push subscriptions are stored
type SubscriptionStoreConfig struct {
	// Type is the store type
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=memory sqlite nats"`
	// SQLitePath is the SQLite database DSN when Type is "sqlite"
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path" validate:"required_if=Type sqlite"`
	// NATSBucket is the JetStream KV bucket when Type is "nats"
	NATSBucket string `mapstructure:"nats_bucket" json:"nats_bucket" validate:"required_if=Type nats"`
}

// PushConfig defines the push notification delivery parameters
type PushConfig struct {
	// Enabled whether push notification delivery is enabled
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// VAPIDPublicKey is the VAPID public key
	VAPIDPublicKey string `mapstructure:"vapid_public_key" json:"vapid_public_key" validate:"required_if=Enabled true"`
	// VAPIDPrivateKey is the VAPID private key
	VAPIDPrivateKey string `mapstructure:"vapid_private_key" json:"-" validate:"required_if=Enabled true"`
	// Subscriber is the VAPID subscriber contact (mailto: or URL)
	Subscriber string `mapstructure:"subscriber" json:"subscriber" validate:"required"`
	// TTL is the push message TTL in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=0"`
	// MaxRetries is the max number of retries after a failed delivery. 0 disables retries.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" validate:"gte=0"`
	// RetryDelay is the delay between retries in milliseconds. 0 uses the default.
	RetryDelay int `mapstructure:"retry_delay_ms" json:"retry_delay_ms" validate:"gte=0"`
	// Concurrency is the max number of parallel deliveries during fan-out
	Concurrency int `mapstructure:"concurrency" json:"concurrency" validate:"gte=1"`
	// Store defines the subscription store
	Store SubscriptionStoreConfig `mapstructure:"store" json:"store" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// HTTP are the HTTP server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required"`
	// WebSocket are the WebSocket transport configs
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	// Auth are the authorization configs
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required"`
	// Rooms are the room membership configs
	Rooms RoomConfig `mapstructure:"rooms" json:"rooms" validate:"required"`
	// Push are the push notification configs
	Push PushConfig `mapstructure:"push" json:"push" validate:"required"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.path_prefix", "/")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 4000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Sockroute-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"X-API-Key",
		},
	)

	// Default WebSocket settings
	viper.SetDefault("websocket.path", "/ws")
	viper.SetDefault("websocket.max_message_size", 65536)
	viper.SetDefault("websocket.allowed_origins", []string{"*"})
	viper.SetDefault("websocket.ping_interval_sec", 54)
	viper.SetDefault("websocket.send_buffer", 256)
	viper.SetDefault("websocket.rate_limit.events_per_sec", 20)
	viper.SetDefault("websocket.rate_limit.burst", 40)

	// Default auth settings
	viper.SetDefault("auth.api_key", "")
	viper.SetDefault("auth.token_secret", "")
	viper.SetDefault("auth.token_ttl_sec", 3600)

	// Default room settings
	viper.SetDefault("rooms.expiration_sec", 1800)
	viper.SetDefault("rooms.sweep_interval_sec", 300)
	viper.SetDefault("rooms.default_room_support", false)

	// Default push settings
	viper.SetDefault("push.enabled", false)
	viper.SetDefault("push.subscriber", "mailto:admin@localhost")
	viper.SetDefault("push.ttl_sec", 30)
	viper.SetDefault("push.max_retries", 3)
	viper.SetDefault("push.retry_delay_ms", 2000)
	viper.SetDefault("push.concurrency", 16)
	viper.SetDefault("push.store.type", "memory")
	viper.SetDefault("push.store.sqlite_path", "file:sockroute.db")
	viper.SetDefault("push.store.nats_bucket", "sockroute-push-subscriptions")

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
}

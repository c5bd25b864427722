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

// Package cmd assembles and runs the router server
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/sockroute/apis"
	"github.com/alwitt/sockroute/channel"
	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/core"
	"github.com/alwitt/sockroute/gateway"
	"github.com/alwitt/sockroute/push"
	"github.com/alwitt/sockroute/rooms"
	"github.com/alwitt/sockroute/session"
	"github.com/alwitt/sockroute/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerParam parameters for running the router server
type ServerParam struct {
	// Config is the system config
	Config *common.SystemConfig `validate:"required"`
	// Instance is the server instance name
	Instance string `validate:"required"`
	// Router is an existing router to serve on. A new router answering 404 for unknown
	// paths is defined if nil.
	Router *mux.Router
	// DefineChannels registers the channels to serve. The demo channel set is used if nil.
	DefineChannels func(registry channel.Registry, engine push.Engine) error
}

// notFoundHandler answer unknown paths with 404
func notFoundHandler(httpHandler apis.APIRestManagementHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path)
		if err := httpHandler.WriteRESTResponse(
			w,
			http.StatusNotFound,
			httpHandler.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, ""),
			nil,
		); err != nil {
			log.WithError(err).WithFields(httpHandler.LogTags).Error("Failed to form response")
		}
	})
}

// defineSubscriptionStore define the push subscription store selected by the config.
// Returns the NATS client as well if the store is NATS backed.
func defineSubscriptionStore(
	runtimeCtxt context.Context, config *common.SystemConfig, logTags log.Fields,
) (push.SubscriptionStore, *core.NatsClient, error) {
	switch config.Push.Store.Type {
	case "sqlite":
		store, err := push.GetSQLiteSubscriptionStore(runtimeCtxt, config.Push.Store.SQLitePath)
		return store, nil, err
	case "nats":
		natsClient, err := core.GetNATSClient(core.GetNATSConnectParams(config.NATS, logTags, nil))
		if err != nil {
			return nil, nil, err
		}
		store, err := push.GetNATSSubscriptionStore(natsClient, config.Push.Store.NATSBucket)
		if err != nil {
			natsClient.Close(runtimeCtxt)
			return nil, nil, err
		}
		return store, natsClient, nil
	default:
		return push.GetMemorySubscriptionStore(), nil, nil
	}
}

// defineDeliveryEngine define the push delivery engine. Returns nil if push delivery is
// disabled.
func defineDeliveryEngine(
	runtimeCtxt context.Context, config *common.SystemConfig, logTags log.Fields,
) (push.Engine, push.SubscriptionStore, *core.NatsClient, error) {
	if !config.Push.Enabled {
		return nil, nil, nil, nil
	}
	store, natsClient, err := defineSubscriptionStore(runtimeCtxt, config, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s subscription store", config.Push.Store.Type,
		)
		return nil, nil, nil, err
	}
	sender, err := push.GetWebPushSender(push.WebPushSenderParam{
		VAPIDPublicKey:  config.Push.VAPIDPublicKey,
		VAPIDPrivateKey: config.Push.VAPIDPrivateKey,
		Subscriber:      config.Push.Subscriber,
		TTL:             time.Second * time.Duration(config.Push.TTL),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define Web Push sender")
		return nil, nil, nil, err
	}
	engine, err := push.GetEngine(push.EngineParam{
		Store:        store,
		Sender:       sender,
		MaxRetries:   config.Push.MaxRetries,
		DisableRetry: config.Push.MaxRetries == 0,
		RetryDelay:   time.Millisecond * time.Duration(config.Push.RetryDelay),
		Concurrency:  config.Push.Concurrency,
		OnAbandoned:  func(subscriberID string, lastErr error) {
			log.WithFields(logTags).Errorf(
				"Delivery to %s abandoned [last error: %v]", subscriberID, lastErr,
			)
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery engine")
		return nil, nil, nil, err
	}
	return engine, store, natsClient, nil
}

// RunServer run the router server until the runtime context is cancelled
func RunServer(runtimeCtxt context.Context, param ServerParam) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  param.Instance,
	}

	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server parameters")
		return err
	}
	config := param.Config
	wg := sync.WaitGroup{}
	defer wg.Wait()

	// -------------------------------------------------------------------
	// Core components

	var tokenValidator session.Validator
	if config.Auth.TokenSecret != "" {
		tokenValidator = session.GetHMACValidator(config.Auth.TokenSecret)
	} else {
		log.WithFields(logTags).Warn("No token secret configured; protected channels reject all events")
	}

	roomManager := rooms.GetManager(rooms.ManagerParam{
		Name: param.Instance, Expiration: config.Rooms.ExpirationDuration(),
	})
	defer roomManager.Stop()
	if config.Rooms.SweepInterval > 0 {
		sweepTimer, err := common.GetIntervalTimerInstance(runtimeCtxt, &wg, "room-sweep")
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define room sweep timer")
			return err
		}
		if err := sweepTimer.Start(
			time.Second*time.Duration(config.Rooms.SweepInterval),
			func() error {
				if reclaimed := roomManager.Sweep(); reclaimed > 0 {
					log.WithFields(logTags).Debugf("Reclaimed %d inactive rooms", reclaimed)
				}
				return nil
			},
			false,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start room sweep timer")
			return err
		}
		defer func() {
			_ = sweepTimer.Stop()
		}()
	}

	engine, store, natsClient, err := defineDeliveryEngine(runtimeCtxt, config, logTags)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			engine.Wait()
			if err := store.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close subscription store")
			}
			if natsClient != nil {
				natsClient.Close(context.Background())
			}
		}()
	}

	registry := channel.GetRegistry(config.Rooms.DefaultRoomSupport)
	defineChannels := param.DefineChannels
	if defineChannels == nil {
		defineChannels = DefineChannels
	}
	if err := defineChannels(registry, engine); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register channels")
		return err
	}

	dispatcher, err := channel.GetDispatcher(channel.DispatcherParam{
		Registry: registry, Rooms: roomManager, Validator: tokenValidator,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	wsGateway, err := gateway.GetGateway(runtimeCtxt, gateway.GatewayParam{
		Dispatcher: dispatcher,
		Upgrader: transport.GetUpgrader(
			transport.SocketParamFromConfig(config.WebSocket), config.WebSocket.AllowedOrigins,
		),
		APIKey:          config.Auth.APIKey,
		RequestIDHeader: config.HTTP.Logging.RequestIDHeader,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway")
		return err
	}

	httpHandler, err := apis.GetAPIRestManagementHandler(
		engine,
		roomManager,
		func() (bool, error) {
			if natsClient != nil && !natsClient.Ready() {
				return false, fmt.Errorf("NATS connection is down")
			}
			return true, nil
		},
		&config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := param.Router
	if router == nil {
		router = mux.NewRouter()
		router.NotFoundHandler = notFoundHandler(httpHandler)
	}
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.PathPrefix, nil)

	// WebSocket endpoint
	mainRouter.Handle(config.WebSocket.Path, wsGateway).Methods(http.MethodGet)

	// Push routes
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/push/subscription/{subscriberID}", map[string]http.HandlerFunc{
			"put":    httpHandler.PutSubscriptionHandler(),
			"delete": httpHandler.DeleteSubscriptionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/push/notification", map[string]http.HandlerFunc{
		"post": httpHandler.SendNotificationHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/push/metrics", map[string]http.HandlerFunc{
		"get":    httpHandler.GetPushMetricsHandler(),
		"delete": httpHandler.ResetPushMetricsHandler(),
	})

	// Room routes
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/rooms/{channel}/{room}", map[string]http.HandlerFunc{
		"get": httpHandler.GetRoomHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Duration(config.HTTP.Server.WriteTimeout) * time.Second,
		ReadTimeout:  time.Duration(config.HTTP.Server.ReadTimeout) * time.Second,
		IdleTimeout:  time.Duration(config.HTTP.Server.IdleTimeout) * time.Second,
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof(
		"Started HTTP server on http://%s [WebSocket at %s]", serverListen, config.WebSocket.Path,
	)

	// ============================================================================

	<-runtimeCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}
	wsGateway.Wait()

	return nil
}

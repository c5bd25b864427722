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

package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/sockroute/channel"
	"github.com/alwitt/sockroute/push"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Product is one entry of the demo product catalog
type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name" validate:"required"`
	Price float64 `json:"price" validate:"gt=0"`
	// CreatedBy is the session subject which created the product
	CreatedBy interface{} `json:"created_by,omitempty"`
}

// productCatalog in-memory product catalog
type productCatalog struct {
	lock     sync.RWMutex
	products []Product
}

func (c *productCatalog) list() []Product {
	c.lock.RLock()
	defer c.lock.RUnlock()
	result := make([]Product, len(c.products))
	copy(result, c.products)
	return result
}

func (c *productCatalog) add(product Product) Product {
	c.lock.Lock()
	defer c.lock.Unlock()
	product.ID = uuid.New().String()
	c.products = append(c.products, product)
	return product
}

// ChatMessage is a message broadcast on the chat channel
type ChatMessage struct {
	From string `json:"from"`
	Text string `json:"text" validate:"required"`
}

// NotificationRequest is the body of an event on the notifications channel
type NotificationRequest struct {
	// Action is one of subscribe, unsubscribe, notify. Subscriptions are keyed by the
	// session subject.
	Action string `json:"action" validate:"required,oneof=subscribe unsubscribe notify"`
	// Subscription is the push subscription to store on subscribe
	Subscription *push.SubscriptionRecord `json:"subscription,omitempty"`
	// Payload is the notification sent on notify
	Payload interface{} `json:"payload,omitempty"`
}

// DefineChannels register the demo channel set.
//
// engine is nil when push delivery is disabled, in which case the notifications channel
// is not registered.
func DefineChannels(registry channel.Registry, engine push.Engine) error {
	logTags := log.Fields{
		"module": "cmd", "component": "channels",
	}
	validate := validator.New()
	catalog := &productCatalog{}

	if _, _, err := registry.Register("get/products", channel.Simple(func(
		_ context.Context,
		_ channel.Request,
		onSuccess channel.Responder,
		_ channel.ErrorResponder,
		_ push.Engine,
	) error {
		onSuccess(catalog.list())
		return nil
	})); err != nil {
		return err
	}

	if _, _, err := registry.Register("post/products", channel.Simple(func(
		_ context.Context,
		req channel.Request,
		onSuccess channel.Responder,
		_ channel.ErrorResponder,
		_ push.Engine,
	) error {
		var product Product
		if err := req.Bind(&product); err != nil {
			return err
		}
		if err := validate.Struct(&product); err != nil {
			return err
		}
		product.CreatedBy = req.Session["sub"]
		onSuccess(catalog.add(product))
		return nil
	}), channel.WithTokenRequired()); err != nil {
		return err
	}

	if _, _, err := registry.Register("chat", channel.Broadcast(func(
		_ context.Context,
		req channel.Request,
		socket channel.SocketContext,
		_ channel.ErrorResponder,
		_ push.Engine,
	) error {
		if socket.Room() == "" {
			return fmt.Errorf("chat messages must name a room")
		}
		var msg ChatMessage
		if err := req.Bind(&msg); err != nil {
			return err
		}
		if err := validate.Struct(&msg); err != nil {
			return err
		}
		msg.From = req.ConnectionID
		if err := socket.To("chat:message", msg, socket.Room()); err != nil {
			return err
		}
		return socket.Emit("chat:delivered", socket.Room())
	}), channel.WithRoomSupport(true)); err != nil {
		return err
	}

	if engine == nil {
		log.WithFields(logTags).Info("Push delivery disabled; skipping notifications channel")
		return nil
	}
	_, _, err := registry.Register("notifications", channel.Simple(func(
		ctxt context.Context,
		req channel.Request,
		onSuccess channel.Responder,
		_ channel.ErrorResponder,
		engine push.Engine,
	) error {
		var params NotificationRequest
		if err := req.Bind(&params); err != nil {
			return err
		}
		if err := validate.Struct(&params); err != nil {
			return err
		}
		subscriberID, _ := req.Session["sub"].(string)
		if subscriberID == "" {
			return fmt.Errorf("session has no subject")
		}
		switch params.Action {
		case "subscribe":
			if params.Subscription == nil {
				return fmt.Errorf("subscribe requires a subscription")
			}
			if err := engine.Add(ctxt, subscriberID, *params.Subscription); err != nil {
				return err
			}
		case "unsubscribe":
			if err := engine.Delete(ctxt, subscriberID); err != nil {
				return err
			}
		case "notify":
			if err := engine.SendToAll(ctxt, params.Payload); err != nil {
				return err
			}
		}
		onSuccess(map[string]string{"action": params.Action})
		return nil
	}), channel.WithDeliveryEngine(engine), channel.WithTokenRequired())
	return err
}

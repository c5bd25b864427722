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

package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
)

// Sender delivers one serialized payload to one subscription
type Sender interface {
	// Send deliver the payload. A failure reported by the push service is returned as
	// a *DeliveryError.
	Send(ctxt context.Context, record SubscriptionRecord, payload []byte) error
}

// WebPushSenderParam parameters for defining a Web Push Sender
type WebPushSenderParam struct {
	// VAPIDPublicKey is the VAPID public key
	VAPIDPublicKey string `validate:"required"`
	// VAPIDPrivateKey is the VAPID private key
	VAPIDPrivateKey string `validate:"required"`
	// Subscriber is the VAPID subscriber contact
	Subscriber string `validate:"required"`
	// TTL is the push message TTL
	TTL time.Duration
	// HTTPClient is the client used to reach the push services. Optional.
	HTTPClient *http.Client
}

// webPushSender implements Sender with the Web Push protocol
type webPushSender struct {
	common.Component
	options webpush.Options
}

// GetWebPushSender define a new Web Push Sender
func GetWebPushSender(param WebPushSenderParam) (Sender, error) {
	logTags := log.Fields{
		"module": "push", "component": "webpush-sender",
	}
	if param.VAPIDPublicKey == "" || param.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("VAPID key pair is required")
	}
	options := webpush.Options{
		Subscriber:      param.Subscriber,
		VAPIDPublicKey:  param.VAPIDPublicKey,
		VAPIDPrivateKey: param.VAPIDPrivateKey,
		TTL:             int(param.TTL.Seconds()),
	}
	if param.HTTPClient != nil {
		options.HTTPClient = param.HTTPClient
	}
	return &webPushSender{
		Component: common.Component{LogTags: logTags}, options: options,
	}, nil
}

// Send deliver the payload to the subscription's push service
func (s *webPushSender) Send(
	ctxt context.Context, record SubscriptionRecord, payload []byte,
) error {
	options := s.options
	resp, err := webpush.SendNotificationWithContext(
		ctxt,
		payload,
		&webpush.Subscription{
			Endpoint: record.Endpoint,
			Keys:     webpush.Keys{P256dh: record.Keys.P256dh, Auth: record.Keys.Auth},
		},
		&options,
	)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("push service responded %q", string(detail)),
		}
	}
	log.WithFields(s.LogTags).Debugf("Delivered to %s", record.String())
	return nil
}

// GenerateVAPIDKeys generate a new VAPID key pair. Returns (public, private).
func GenerateVAPIDKeys() (string, string, error) {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", err
	}
	return publicKey, privateKey, nil
}

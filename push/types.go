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

// Package push delivers Web Push notifications to stored subscriptions with bounded
// retries and delivery metrics
package push

import (
	"errors"
	"fmt"
	"net/http"
)

// SubscriptionKeys the authentication secrets of a push subscription
type SubscriptionKeys struct {
	// P256dh is the client's ECDH public key
	P256dh string `json:"p256dh" validate:"required"`
	// Auth is the client's authentication secret
	Auth string `json:"auth" validate:"required"`
}

// SubscriptionRecord the endpoint and key material needed to push to one recipient
type SubscriptionRecord struct {
	// Endpoint is the push service URL of the subscription
	Endpoint string `json:"endpoint" validate:"required"`
	// Keys are the subscription's authentication secrets
	Keys SubscriptionKeys `json:"keys" validate:"required"`
}

// String toString function
func (r SubscriptionRecord) String() string {
	return fmt.Sprintf("SUBSCRIPTION[%s]", r.Endpoint)
}

// Metrics push delivery counters
type Metrics struct {
	// Successful is the number of successful deliveries
	Successful uint64 `json:"successful"`
	// Failed is the number of failed delivery attempts
	Failed uint64 `json:"failed"`
	// Retried is the number of deliveries which succeeded on a retry
	Retried uint64 `json:"retried"`
}

// ErrSubscriptionNotFound is returned when a subscriber has no stored subscription
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrInvalidSubscription is returned when a subscription record is malformed
var ErrInvalidSubscription = errors.New("invalid subscription")

// DeliveryError is a failed delivery reported by the push transport
type DeliveryError struct {
	// StatusCode is the HTTP status returned by the push service. 0 if the request
	// never got a response.
	StatusCode int
	// Err is the underlying error
	Err error
}

// Error implements error
func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("push delivery failed with status %d: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("push delivery failed: %s", e.Err)
}

// Unwrap support errors.Is / errors.As
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Gone whether the push service reported the endpoint as permanently gone
func (e *DeliveryError) Gone() bool {
	return e.StatusCode == http.StatusGone
}

// isGone whether err is a DeliveryError for a gone endpoint
func isGone(err error) bool {
	var deliveryErr *DeliveryError
	return errors.As(err, &deliveryErr) && deliveryErr.Gone()
}

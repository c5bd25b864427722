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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// Default delivery engine settings
const (
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = time.Millisecond * 2000
	DefaultConcurrency = 16
)

// AbandonedHandler is called once a delivery is given up after exhausting its retries
type AbandonedHandler func(subscriberID string, lastErr error)

// EngineParam parameters for defining a delivery Engine
type EngineParam struct {
	// Store is the subscription store
	Store SubscriptionStore
	// Sender delivers to one subscription
	Sender Sender
	// MaxRetries is the number of retries after a transient delivery failure.
	// DefaultMaxRetries if <= 0.
	MaxRetries int
	// RetryDelay is the fixed delay between retries. DefaultRetryDelay if <= 0.
	RetryDelay time.Duration
	// DisableRetry abandon a failed delivery without retrying. Overrides MaxRetries.
	DisableRetry bool
	// Concurrency is the max number of parallel deliveries during SendToAll
	Concurrency int
	// OnAbandoned is called when retries are exhausted. Optional.
	OnAbandoned AbandonedHandler
}

// Engine delivers push notifications with bounded retries
type Engine interface {
	// Add insert or replace the subscription of a subscriber
	Add(ctxt context.Context, subscriberID string, record SubscriptionRecord) error
	// Delete remove the subscription of a subscriber
	Delete(ctxt context.Context, subscriberID string) error
	// SendToAll deliver the payload to every stored subscription. A failure on one
	// subscription does not affect the others.
	SendToAll(ctxt context.Context, payload interface{}) error
	// SendToOne deliver the payload to one subscriber's subscription
	SendToOne(ctxt context.Context, subscriberID string, payload interface{}) error
	// Send deliver the payload to a subscription record
	Send(
		ctxt context.Context, subscriberID string, record SubscriptionRecord, payload interface{},
	) error
	// Metrics snapshot the delivery metrics
	Metrics() Metrics
	// ResetMetrics zero the delivery metrics
	ResetMetrics()
	// Wait block until all background retries finish
	Wait()
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	store       SubscriptionStore
	sender      Sender
	validate    *validator.Validate
	maxRetries  int
	retryDelay  time.Duration
	concurrency int
	onAbandoned AbandonedHandler
	retries     sync.WaitGroup

	successful atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
}

// GetEngine define a new delivery Engine
func GetEngine(param EngineParam) (Engine, error) {
	logTags := log.Fields{
		"module": "push", "component": "delivery-engine",
	}
	if param.Store == nil || param.Sender == nil {
		return nil, fmt.Errorf("delivery engine requires a subscription store and a sender")
	}
	if param.MaxRetries <= 0 {
		param.MaxRetries = DefaultMaxRetries
	}
	if param.DisableRetry {
		param.MaxRetries = 0
	}
	if param.RetryDelay <= 0 {
		param.RetryDelay = DefaultRetryDelay
	}
	if param.Concurrency <= 0 {
		param.Concurrency = DefaultConcurrency
	}
	return &engineImpl{
		Component:   common.Component{LogTags: logTags},
		store:       param.Store,
		sender:      param.Sender,
		validate:    validator.New(),
		maxRetries:  param.MaxRetries,
		retryDelay:  param.RetryDelay,
		concurrency: param.Concurrency,
		onAbandoned: param.OnAbandoned,
	}, nil
}

// Add insert or replace the subscription of a subscriber
func (e *engineImpl) Add(
	ctxt context.Context, subscriberID string, record SubscriptionRecord,
) error {
	if err := e.store.Put(ctxt, subscriberID, record); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Unable to add %s", subscriberID)
		return err
	}
	log.WithFields(e.LogTags).Debugf("Added subscription for %s", subscriberID)
	return nil
}

// Delete remove the subscription of a subscriber
func (e *engineImpl) Delete(ctxt context.Context, subscriberID string) error {
	if err := e.store.Delete(ctxt, subscriberID); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf("Unable to delete %s", subscriberID)
		return err
	}
	log.WithFields(e.LogTags).Debugf("Deleted subscription for %s", subscriberID)
	return nil
}

// SendToAll deliver the payload to every stored subscription
func (e *engineImpl) SendToAll(ctxt context.Context, payload interface{}) error {
	subscriptions, err := e.store.List(ctxt)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to load subscriptions")
		return err
	}
	group := errgroup.Group{}
	group.SetLimit(e.concurrency)
	for subscriberID, record := range subscriptions {
		subscriberID := subscriberID
		record := record
		group.Go(func() error {
			// Outcome is tracked by the metrics; one failure must not stop the rest
			_ = e.Send(ctxt, subscriberID, record, payload)
			return nil
		})
	}
	_ = group.Wait()
	log.WithFields(e.LogTags).Debugf("Fan-out to %d subscriptions complete", len(subscriptions))
	return nil
}

// SendToOne deliver the payload to one subscriber's subscription
func (e *engineImpl) SendToOne(
	ctxt context.Context, subscriberID string, payload interface{},
) error {
	record, err := e.store.Get(ctxt, subscriberID)
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Unable to load subscription of %s", subscriberID,
		)
		return err
	}
	return e.Send(ctxt, subscriberID, record, payload)
}

// Send deliver the payload to a subscription record
func (e *engineImpl) Send(
	ctxt context.Context, subscriberID string, record SubscriptionRecord, payload interface{},
) error {
	err := e.attempt(ctxt, subscriberID, record, payload)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalidSubscription):
		// Retrying can not repair a malformed record
	case isGone(err):
		e.removeGone(subscriberID)
	default:
		e.scheduleRetry(subscriberID, record, payload, err)
	}
	return err
}

// attempt one full delivery attempt: validate, serialize, deliver, count
func (e *engineImpl) attempt(
	ctxt context.Context, subscriberID string, record SubscriptionRecord, payload interface{},
) error {
	if err := e.validate.Struct(&record); err != nil {
		e.failed.Add(1)
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Malformed subscription of %s", subscriberID,
		)
		return fmt.Errorf("%w: %s", ErrInvalidSubscription, err.Error())
	}
	serialized, err := serializePayload(payload)
	if err != nil {
		e.failed.Add(1)
		log.WithError(err).WithFields(e.LogTags).Error("Unable to serialize payload")
		return err
	}
	if err := e.sender.Send(ctxt, record, serialized); err != nil {
		e.failed.Add(1)
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Delivery to %s failed", subscriberID,
		)
		return err
	}
	e.successful.Add(1)
	return nil
}

// removeGone delete a subscription whose endpoint no longer exists
func (e *engineImpl) removeGone(subscriberID string) {
	if err := e.store.Delete(context.Background(), subscriberID); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Unable to remove gone subscription of %s", subscriberID,
		)
		return
	}
	log.WithFields(e.LogTags).Infof("Removed gone subscription of %s", subscriberID)
}

// scheduleRetry retry a failed delivery in the background. Retries are not cancellable.
func (e *engineImpl) scheduleRetry(
	subscriberID string, record SubscriptionRecord, payload interface{}, firstErr error,
) {
	if e.maxRetries == 0 {
		e.abandon(subscriberID, firstErr)
		return
	}
	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		ctxt := context.Background()
		var lastErr error
		for itr := 1; itr <= e.maxRetries; itr++ {
			time.Sleep(e.retryDelay)
			log.WithFields(e.LogTags).Debugf(
				"Retry %d/%d for %s", itr, e.maxRetries, subscriberID,
			)
			err := e.attempt(ctxt, subscriberID, record, payload)
			if err == nil {
				e.retried.Add(1)
				log.WithFields(e.LogTags).Infof(
					"Delivery to %s succeeded on retry %d", subscriberID, itr,
				)
				return
			}
			lastErr = err
			if errors.Is(err, ErrInvalidSubscription) {
				break
			}
			if isGone(err) {
				e.removeGone(subscriberID)
				return
			}
		}
		e.abandon(subscriberID, lastErr)
	}()
}

// abandon record a delivery given up on
func (e *engineImpl) abandon(subscriberID string, lastErr error) {
	log.WithFields(e.LogTags).Warnf(
		"Giving up delivery to %s after %d retries [last error: %v]",
		subscriberID, e.maxRetries, lastErr,
	)
	if e.onAbandoned != nil {
		e.onAbandoned(subscriberID, lastErr)
	}
}

// Metrics snapshot the delivery metrics
func (e *engineImpl) Metrics() Metrics {
	return Metrics{
		Successful: e.successful.Load(),
		Failed:     e.failed.Load(),
		Retried:    e.retried.Load(),
	}
}

// ResetMetrics zero the delivery metrics
func (e *engineImpl) ResetMetrics() {
	e.successful.Store(0)
	e.failed.Store(0)
	e.retried.Store(0)
	log.WithFields(e.LogTags).Info("Metrics reset")
}

// Wait block until all background retries finish
func (e *engineImpl) Wait() {
	e.retries.Wait()
}

// serializePayload JSON encode the payload. Raw bytes and strings are sent as-is.
func serializePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(payload)
	}
}

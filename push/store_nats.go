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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsSubscriptionStore implements SubscriptionStore on a JetStream KV bucket
type natsSubscriptionStore struct {
	common.Component
	kv nats.KeyValue
}

// GetNATSSubscriptionStore define a SubscriptionStore backed by a JetStream KV bucket,
// shared by every instance connected to the same NATS cluster
func GetNATSSubscriptionStore(
	client *core.NatsClient, bucket string,
) (SubscriptionStore, error) {
	logTags := log.Fields{
		"module": "push", "component": "nats-subscription-store", "instance": bucket,
	}
	kv, err := client.KeyValue(bucket, "push notification subscriptions")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open KV bucket")
		return nil, err
	}
	return &natsSubscriptionStore{
		Component: common.Component{LogTags: logTags}, kv: kv,
	}, nil
}

// subscriberKey KV keys are limited to [-/_=.a-zA-Z0-9], so subscriber IDs are encoded
func subscriberKey(subscriberID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(subscriberID))
}

func subscriberIDFromKey(key string) (string, error) {
	id, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

func (s *natsSubscriptionStore) Put(
	_ context.Context, subscriberID string, record SubscriptionRecord,
) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber ID can not be empty")
	}
	serialized, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(subscriberKey(subscriberID), serialized); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to store %s", subscriberID)
		return err
	}
	return nil
}

func (s *natsSubscriptionStore) Get(
	_ context.Context, subscriberID string,
) (SubscriptionRecord, error) {
	entry, err := s.kv.Get(subscriberKey(subscriberID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return SubscriptionRecord{}, ErrSubscriptionNotFound
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to read %s", subscriberID)
		return SubscriptionRecord{}, err
	}
	var record SubscriptionRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return SubscriptionRecord{}, err
	}
	return record, nil
}

func (s *natsSubscriptionStore) Delete(_ context.Context, subscriberID string) error {
	if err := s.kv.Delete(subscriberKey(subscriberID)); err != nil &&
		!errors.Is(err, nats.ErrKeyNotFound) {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to delete %s", subscriberID)
		return err
	}
	return nil
}

func (s *natsSubscriptionStore) List(
	ctxt context.Context,
) (map[string]SubscriptionRecord, error) {
	result := map[string]SubscriptionRecord{}
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return result, nil
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list subscriptions")
		return nil, err
	}
	for _, key := range keys {
		subscriberID, err := subscriberIDFromKey(key)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Skipping unknown key %s", key)
			continue
		}
		record, err := s.Get(ctxt, subscriberID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Deleted between listing and reading
			continue
		}
		if err != nil {
			return nil, err
		}
		result[subscriberID] = record
	}
	return result, nil
}

func (s *natsSubscriptionStore) Close() error {
	return nil
}

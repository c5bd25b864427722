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
	"sync"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
)

// SubscriptionStore persists push subscriptions keyed by subscriber ID
type SubscriptionStore interface {
	// Put insert or replace the subscription of a subscriber
	Put(ctxt context.Context, subscriberID string, record SubscriptionRecord) error
	// Get fetch the subscription of a subscriber. Returns ErrSubscriptionNotFound if
	// there is none.
	Get(ctxt context.Context, subscriberID string) (SubscriptionRecord, error)
	// Delete remove the subscription of a subscriber
	Delete(ctxt context.Context, subscriberID string) error
	// List fetch all subscriptions
	List(ctxt context.Context) (map[string]SubscriptionRecord, error)
	// Close release the store's resources
	Close() error
}

// memorySubscriptionStore implements SubscriptionStore in process memory
type memorySubscriptionStore struct {
	common.Component
	lock    sync.RWMutex
	records map[string]SubscriptionRecord
}

// GetMemorySubscriptionStore define an in-memory SubscriptionStore
func GetMemorySubscriptionStore() SubscriptionStore {
	logTags := log.Fields{
		"module": "push", "component": "memory-subscription-store",
	}
	return &memorySubscriptionStore{
		Component: common.Component{LogTags: logTags},
		records:   make(map[string]SubscriptionRecord),
	}
}

func (s *memorySubscriptionStore) Put(
	_ context.Context, subscriberID string, record SubscriptionRecord,
) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber ID can not be empty")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.records[subscriberID] = record
	return nil
}

func (s *memorySubscriptionStore) Get(
	_ context.Context, subscriberID string,
) (SubscriptionRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	record, ok := s.records[subscriberID]
	if !ok {
		return SubscriptionRecord{}, ErrSubscriptionNotFound
	}
	return record, nil
}

func (s *memorySubscriptionStore) Delete(_ context.Context, subscriberID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.records, subscriberID)
	return nil
}

func (s *memorySubscriptionStore) List(_ context.Context) (map[string]SubscriptionRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make(map[string]SubscriptionRecord, len(s.records))
	for id, record := range s.records {
		result[id] = record
	}
	return result, nil
}

func (s *memorySubscriptionStore) Close() error {
	return nil
}

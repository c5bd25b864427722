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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeSender records every delivery and fails according to decide
type fakeSender struct {
	lock   sync.Mutex
	calls  map[string]int
	decide func(endpoint string, call int) error
}

func newFakeSender(decide func(endpoint string, call int) error) *fakeSender {
	return &fakeSender{calls: map[string]int{}, decide: decide}
}

func (s *fakeSender) Send(_ context.Context, record SubscriptionRecord, _ []byte) error {
	s.lock.Lock()
	s.calls[record.Endpoint]++
	call := s.calls[record.Endpoint]
	s.lock.Unlock()
	if s.decide == nil {
		return nil
	}
	return s.decide(record.Endpoint, call)
}

func (s *fakeSender) callCount(endpoint string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.calls[endpoint]
}

func (s *fakeSender) totalCalls() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	total := 0
	for _, count := range s.calls {
		total += count
	}
	return total
}

func testRecord(endpoint string) SubscriptionRecord {
	return SubscriptionRecord{
		Endpoint: endpoint, Keys: SubscriptionKeys{P256dh: "p256dh", Auth: "auth"},
	}
}

func TestEngineValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := newFakeSender(nil)
	uut, err := GetEngine(EngineParam{
		Store:      GetMemorySubscriptionStore(),
		Sender:     sender,
		MaxRetries: 3,
		RetryDelay: time.Millisecond * 10,
	})
	assert.Nil(err)

	utCtxt := context.Background()

	// Case 0: missing endpoint
	{
		record := testRecord("")
		err := uut.Send(utCtxt, "sub-0", record, map[string]string{"title": "hello"})
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrInvalidSubscription))
	}

	// Case 1: missing auth key
	{
		record := testRecord("https://push.example.com/1")
		record.Keys.Auth = ""
		err := uut.Send(utCtxt, "sub-1", record, "hello")
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrInvalidSubscription))
	}

	uut.Wait()
	metrics := uut.Metrics()
	assert.Equal(uint64(2), metrics.Failed)
	assert.Equal(uint64(0), metrics.Successful)
	assert.Equal(uint64(0), metrics.Retried)
	assert.Equal(0, sender.totalCalls())
}

func TestEngineSendToAllWithTransientFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := newFakeSender(func(endpoint string, call int) error {
		if endpoint == "https://push.example.com/b" && call == 1 {
			return &DeliveryError{
				StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("overloaded"),
			}
		}
		return nil
	})
	store := GetMemorySubscriptionStore()
	uut, err := GetEngine(EngineParam{
		Store:       store,
		Sender:      sender,
		MaxRetries:  3,
		RetryDelay:  time.Millisecond * 200,
		Concurrency: 2,
	})
	assert.Nil(err)

	utCtxt := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		assert.Nil(
			uut.Add(utCtxt, "sub-"+name, testRecord("https://push.example.com/"+name)),
		)
	}

	// Case 0: first attempts settle before the retry fires
	{
		assert.Nil(uut.SendToAll(utCtxt, map[string]string{"title": "hello"}))
		metrics := uut.Metrics()
		assert.Equal(uint64(2), metrics.Successful)
		assert.Equal(uint64(1), metrics.Failed)
		assert.Equal(uint64(0), metrics.Retried)
	}

	// Case 1: the retry succeeds
	{
		uut.Wait()
		metrics := uut.Metrics()
		assert.Equal(uint64(3), metrics.Successful)
		assert.Equal(uint64(1), metrics.Failed)
		assert.Equal(uint64(1), metrics.Retried)
		assert.Equal(2, sender.callCount("https://push.example.com/b"))
		assert.Equal(1, sender.callCount("https://push.example.com/a"))
	}

	// Case 2: reset
	{
		uut.ResetMetrics()
		assert.Equal(Metrics{}, uut.Metrics())
	}
}

func TestEngineGoneSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := newFakeSender(func(endpoint string, call int) error {
		return &DeliveryError{StatusCode: http.StatusGone, Err: fmt.Errorf("expired")}
	})
	store := GetMemorySubscriptionStore()
	uut, err := GetEngine(EngineParam{
		Store:      store,
		Sender:     sender,
		MaxRetries: 3,
		RetryDelay: time.Millisecond * 10,
	})
	assert.Nil(err)

	utCtxt := context.Background()
	endpoint := "https://push.example.com/gone"
	assert.Nil(uut.Add(utCtxt, "sub-gone", testRecord(endpoint)))

	err = uut.SendToOne(utCtxt, "sub-gone", "hello")
	assert.NotNil(err)
	uut.Wait()

	_, err = store.Get(utCtxt, "sub-gone")
	assert.Equal(ErrSubscriptionNotFound, err)
	assert.Equal(1, sender.callCount(endpoint))
	metrics := uut.Metrics()
	assert.Equal(uint64(1), metrics.Failed)
	assert.Equal(uint64(0), metrics.Retried)
}

func TestEngineSendToOneMissing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := newFakeSender(nil)
	uut, err := GetEngine(EngineParam{
		Store:      GetMemorySubscriptionStore(),
		Sender:     sender,
		MaxRetries: 3,
		RetryDelay: time.Millisecond * 10,
	})
	assert.Nil(err)

	err = uut.SendToOne(context.Background(), "unknown", "hello")
	assert.True(errors.Is(err, ErrSubscriptionNotFound))
	uut.Wait()
	assert.Equal(0, sender.totalCalls())
	assert.Equal(Metrics{}, uut.Metrics())
}

func TestEngineRetryExhaustion(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := newFakeSender(func(endpoint string, call int) error {
		return &DeliveryError{Err: fmt.Errorf("connection refused")}
	})

	abandonLock := sync.Mutex{}
	abandoned := []string{}
	uut, err := GetEngine(EngineParam{
		Store:      GetMemorySubscriptionStore(),
		Sender:     sender,
		MaxRetries: 2,
		RetryDelay: time.Millisecond * 10,
		OnAbandoned: func(subscriberID string, lastErr error) {
			assert.NotNil(lastErr)
			abandonLock.Lock()
			defer abandonLock.Unlock()
			abandoned = append(abandoned, subscriberID)
		},
	})
	assert.Nil(err)

	endpoint := "https://push.example.com/down"
	err = uut.Send(context.Background(), "sub-down", testRecord(endpoint), "hello")
	assert.NotNil(err)
	uut.Wait()

	assert.Equal(3, sender.callCount(endpoint))
	metrics := uut.Metrics()
	assert.Equal(uint64(3), metrics.Failed)
	assert.Equal(uint64(0), metrics.Successful)
	assert.Equal(uint64(0), metrics.Retried)
	abandonLock.Lock()
	assert.Equal([]string{"sub-down"}, abandoned)
	abandonLock.Unlock()
}

func TestEngineRequiresDependencies(t *testing.T) {
	assert := assert.New(t)

	_, err := GetEngine(EngineParam{Sender: newFakeSender(nil)})
	assert.NotNil(err)
	_, err = GetEngine(EngineParam{Store: GetMemorySubscriptionStore()})
	assert.NotNil(err)
}

func TestSerializePayload(t *testing.T) {
	assert := assert.New(t)

	// Case 0: raw bytes pass through
	{
		result, err := serializePayload([]byte(`{"a":1}`))
		assert.Nil(err)
		assert.Equal(`{"a":1}`, string(result))
	}

	// Case 1: structured payload
	{
		result, err := serializePayload(map[string]int{"a": 1})
		assert.Nil(err)
		assert.Equal(`{"a":1}`, string(result))
	}

	// Case 2: not serializable
	{
		_, err := serializePayload(make(chan int))
		assert.NotNil(err)
	}
}

func TestEngineDefaultRetryPolicy(t *testing.T) {
	assert := assert.New(t)

	var lock sync.Mutex
	attempts := []time.Time{}
	sender := newFakeSender(func(endpoint string, call int) error {
		lock.Lock()
		defer lock.Unlock()
		attempts = append(attempts, time.Now())
		return &DeliveryError{StatusCode: http.StatusServiceUnavailable, Err: fmt.Errorf("busy")}
	})
	abandoned := 0
	uut, err := GetEngine(EngineParam{
		Store:  GetMemorySubscriptionStore(),
		Sender: sender,
		OnAbandoned: func(subscriberID string, lastErr error) {
			abandoned++
		},
	})
	assert.Nil(err)

	// Case 0: zero value parameters use the defaults
	{
		impl, ok := uut.(*engineImpl)
		assert.True(ok)
		assert.Equal(DefaultMaxRetries, impl.maxRetries)
		assert.Equal(DefaultRetryDelay, impl.retryDelay)
		assert.Equal(DefaultConcurrency, impl.concurrency)
	}

	// Case 1: a failing delivery is retried three times, two seconds apart
	{
		endpoint := "https://push.example.com/default"
		assert.NotNil(uut.Send(context.Background(), "sub-0", testRecord(endpoint), "hello"))
		uut.Wait()
		assert.Equal(1+DefaultMaxRetries, sender.callCount(endpoint))
		assert.Equal(1, abandoned)
		lock.Lock()
		assert.Len(attempts, 1+DefaultMaxRetries)
		for itr := 1; itr < len(attempts); itr++ {
			gap := attempts[itr].Sub(attempts[itr-1])
			assert.Truef(gap >= DefaultRetryDelay, "retry %d came after %s", itr, gap)
		}
		lock.Unlock()
		metrics := uut.Metrics()
		assert.Equal(uint64(1+DefaultMaxRetries), metrics.Failed)
		assert.Equal(uint64(0), metrics.Retried)
	}
}

func TestEngineRetryDisabled(t *testing.T) {
	assert := assert.New(t)

	sender := newFakeSender(func(endpoint string, call int) error {
		return &DeliveryError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("boom")}
	})
	abandoned := 0
	uut, err := GetEngine(EngineParam{
		Store:        GetMemorySubscriptionStore(),
		Sender:       sender,
		MaxRetries:   5,
		DisableRetry: true,
		OnAbandoned: func(subscriberID string, lastErr error) {
			abandoned++
		},
	})
	assert.Nil(err)

	endpoint := "https://push.example.com/once"
	assert.NotNil(uut.Send(context.Background(), "sub-0", testRecord(endpoint), "hello"))
	uut.Wait()
	assert.Equal(1, sender.callCount(endpoint))
	assert.Equal(1, abandoned)
	assert.Equal(uint64(1), uut.Metrics().Failed)
}

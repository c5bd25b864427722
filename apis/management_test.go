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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/push"
	"github.com/alwitt/sockroute/rooms"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type countingSender struct {
	delivered int
}

func (s *countingSender) Send(context.Context, push.SubscriptionRecord, []byte) error {
	s.delivered++
	return nil
}

type testMember struct {
	id string
}

func (m testMember) ID() string {
	return m.id
}

func (m testMember) Emit(string, interface{}) error {
	return nil
}

func defineTestRouter(uut APIRestManagementHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/", nil)
	_ = RegisterPathPrefix(mainRouter, "/v1/push/subscription/{subscriberID}", MethodHandlers{
		"put":    uut.PutSubscriptionHandler(),
		"delete": uut.DeleteSubscriptionHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/push/notification", MethodHandlers{
		"post": uut.SendNotificationHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/push/metrics", MethodHandlers{
		"get":    uut.GetPushMetricsHandler(),
		"delete": uut.ResetPushMetricsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/rooms/{channel}/{room}", MethodHandlers{
		"get": uut.GetRoomHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{"get": uut.AliveHandler()})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{"get": uut.ReadyHandler()})
	return router
}

func call(router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	return respRecorder
}

func TestPushManagement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := push.GetMemorySubscriptionStore()
	sender := &countingSender{}
	engine, err := push.GetEngine(push.EngineParam{Store: store, Sender: sender})
	assert.Nil(err)
	roomManager := rooms.GetManager(rooms.ManagerParam{Name: t.Name()})
	defer roomManager.Stop()

	uut, err := GetAPIRestManagementHandler(engine, roomManager, nil, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Sockroute-Request-ID"},
	})
	assert.Nil(err)
	router := defineTestRouter(uut)
	utCtxt := context.Background()

	record := push.SubscriptionRecord{
		Endpoint: "https://push.example.com/1",
		Keys:     push.SubscriptionKeys{P256dh: "p256dh", Auth: "auth"},
	}

	// Case 0: store a subscription
	{
		resp := call(router, http.MethodPut, "/v1/push/subscription/user-1", record)
		assert.Equal(http.StatusOK, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		stored, err := store.Get(utCtxt, "user-1")
		assert.Nil(err)
		assert.Equal(record, stored)
	}

	// Case 1: invalid subscription
	{
		invalid := record
		invalid.Keys.Auth = ""
		resp := call(router, http.MethodPut, "/v1/push/subscription/user-2", invalid)
		assert.Equal(http.StatusBadRequest, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
		_, err := store.Get(utCtxt, "user-2")
		assert.Equal(push.ErrSubscriptionNotFound, err)
	}

	// Case 2: notify one subscriber
	{
		resp := call(router, http.MethodPost, "/v1/push/notification", map[string]interface{}{
			"subscriber_id": "user-1", "payload": map[string]string{"title": "hello"},
		})
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(1, sender.delivered)
	}

	// Case 3: notify an unknown subscriber
	{
		resp := call(router, http.MethodPost, "/v1/push/notification", map[string]interface{}{
			"subscriber_id": "unknown", "payload": "hello",
		})
		assert.Equal(http.StatusNotFound, resp.Code)
	}

	// Case 4: notify everyone
	{
		resp := call(router, http.MethodPost, "/v1/push/notification", map[string]interface{}{
			"payload": "hello",
		})
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(2, sender.delivered)
	}

	// Case 5: notification without payload
	{
		resp := call(router, http.MethodPost, "/v1/push/notification", map[string]interface{}{})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 6: metrics
	{
		resp := call(router, http.MethodGet, "/v1/push/metrics", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespPushMetrics
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(push.Metrics{Successful: 2}, msg.Metrics)

		resp = call(router, http.MethodDelete, "/v1/push/metrics", nil)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(push.Metrics{}, engine.Metrics())
	}

	// Case 7: delete the subscription
	{
		resp := call(router, http.MethodDelete, "/v1/push/subscription/user-1", nil)
		assert.Equal(http.StatusOK, resp.Code)
		_, err := store.Get(utCtxt, "user-1")
		assert.Equal(push.ErrSubscriptionNotFound, err)
	}
}

func TestPushDisabled(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	roomManager := rooms.GetManager(rooms.ManagerParam{Name: t.Name()})
	defer roomManager.Stop()
	uut, err := GetAPIRestManagementHandler(nil, roomManager, nil, nil)
	assert.Nil(err)
	router := defineTestRouter(uut)

	for _, oneCase := range []struct {
		method string
		path   string
	}{
		{http.MethodPut, "/v1/push/subscription/user-1"},
		{http.MethodDelete, "/v1/push/subscription/user-1"},
		{http.MethodPost, "/v1/push/notification"},
		{http.MethodGet, "/v1/push/metrics"},
		{http.MethodDelete, "/v1/push/metrics"},
	} {
		resp := call(router, oneCase.method, oneCase.path, nil)
		assert.Equalf(
			http.StatusServiceUnavailable, resp.Code, "%s %s", oneCase.method, oneCase.path,
		)
	}

	_, err = GetAPIRestManagementHandler(nil, nil, nil, nil)
	assert.NotNil(err)
}

func TestRoomQueryAndHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	roomManager := rooms.GetManager(rooms.ManagerParam{Name: t.Name()})
	defer roomManager.Stop()
	ready := false
	uut, err := GetAPIRestManagementHandler(nil, roomManager, func() (bool, error) {
		if !ready {
			return false, fmt.Errorf("still starting")
		}
		return true, nil
	}, nil)
	assert.Nil(err)
	router := defineTestRouter(uut)

	assert.Nil(roomManager.Join("chat", "lobby", testMember{id: "conn-2"}))
	assert.Nil(roomManager.Join("chat", "lobby", testMember{id: "conn-1"}))

	// Case 0: known room
	{
		resp := call(router, http.MethodGet, "/v1/rooms/chat/lobby", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespRoomInfo
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal("chat", msg.Channel)
		assert.Equal("lobby", msg.Room)
		assert.Equal([]string{"conn-1", "conn-2"}, msg.Members)
	}

	// Case 1: unknown room
	{
		resp := call(router, http.MethodGet, "/v1/rooms/chat/empty", nil)
		assert.Equal(http.StatusNotFound, resp.Code)
	}

	// Case 2: health
	{
		assert.Equal(http.StatusOK, call(router, http.MethodGet, "/alive", nil).Code)
		assert.Equal(
			http.StatusInternalServerError, call(router, http.MethodGet, "/ready", nil).Code,
		)
		ready = true
		assert.Equal(http.StatusOK, call(router, http.MethodGet, "/ready", nil).Code)
	}
}

type manualClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *manualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func TestRoomQueryIsNotActivity(t *testing.T) {
	assert := assert.New(t)

	clock := &manualClock{now: time.Now()}
	roomManager := rooms.GetManager(rooms.ManagerParam{
		Name: t.Name(), Expiration: time.Minute, Clock: clock.Now,
	})
	defer roomManager.Stop()
	uut, err := GetAPIRestManagementHandler(nil, roomManager, nil, nil)
	assert.Nil(err)
	router := defineTestRouter(uut)

	assert.Nil(roomManager.Join("chat", "idle", testMember{id: "conn-1"}))

	// Case 0: polling the room does not refresh it
	for itr := 0; itr < 3; itr++ {
		clock.Advance(time.Second * 25)
		resp := call(router, http.MethodGet, "/v1/rooms/chat/idle", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 1: the idle room is reclaimed
	assert.Equal(1, roomManager.Sweep())
	resp := call(router, http.MethodGet, "/v1/rooms/chat/idle", nil)
	assert.Equal(http.StatusNotFound, resp.Code)
}

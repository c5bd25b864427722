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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/sockroute/channel"
	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/push"
	"github.com/alwitt/sockroute/rooms"
	"github.com/alwitt/sockroute/session"
	"github.com/alwitt/sockroute/transport"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

type emission struct {
	event string
	data  interface{}
}

type testConn struct {
	id      string
	lock    sync.Mutex
	emitted []emission
	session session.Payload
}

func (c *testConn) ID() string {
	return c.id
}

func (c *testConn) Emit(event string, data interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.emitted = append(c.emitted, emission{event: event, data: data})
	return nil
}

func (c *testConn) Credential() string {
	return ""
}

func (c *testConn) Session() session.Payload {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.session
}

func (c *testConn) SetSession(payload session.Payload) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.session = payload
}

func (c *testConn) drain() []emission {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := c.emitted
	c.emitted = nil
	return result
}

type recordingSender struct {
	lock      sync.Mutex
	endpoints []string
}

func (s *recordingSender) Send(_ context.Context, record push.SubscriptionRecord, _ []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.endpoints = append(s.endpoints, record.Endpoint)
	return nil
}

func TestDemoChannels(t *testing.T) {
	assert := assert.New(t)

	tokenValidator := session.GetHMACValidator("demo-unit-test")
	store := push.GetMemorySubscriptionStore()
	sender := &recordingSender{}
	engine, err := push.GetEngine(push.EngineParam{Store: store, Sender: sender})
	assert.Nil(err)

	registry := channel.GetRegistry(false)
	assert.Nil(DefineChannels(registry, engine))
	roomManager := rooms.GetManager(rooms.ManagerParam{Name: t.Name()})
	defer roomManager.Stop()
	uut, err := channel.GetDispatcher(channel.DispatcherParam{
		Registry: registry, Rooms: roomManager, Validator: tokenValidator,
	})
	assert.Nil(err)

	token, err := tokenValidator.Sign(session.Payload{"sub": "dave"}, time.Minute)
	assert.Nil(err)
	authParams := fmt.Sprintf(`"params":{"authorization":"Bearer %s"}`, token)

	utCtxt := context.Background()
	conn := &testConn{id: "conn-1"}

	// Case 0: empty catalog
	{
		uut.Dispatch(utCtxt, conn, "get/products", nil)
		emitted := conn.drain()
		assert.Len(emitted, 1)
		assert.Equal("get/products:success", emitted[0].event)
		assert.Empty(emitted[0].data)
	}

	// Case 1: create a product
	{
		uut.Dispatch(utCtxt, conn, "post/products", json.RawMessage(
			`{"body":{"name":"widget","price":2.5},`+authParams+`}`,
		))
		emitted := conn.drain()
		assert.Len(emitted, 1)
		assert.Equal("post/products:success", emitted[0].event)
		product, ok := emitted[0].data.(Product)
		assert.True(ok)
		assert.Equal("widget", product.Name)
		assert.Equal("dave", product.CreatedBy)
		assert.NotEmpty(product.ID)

		uut.Dispatch(utCtxt, conn, "get/products", nil)
		emitted = conn.drain()
		assert.Len(emitted, 1)
		assert.Equal([]Product{product}, emitted[0].data)
	}

	// Case 2: invalid product
	{
		uut.Dispatch(utCtxt, conn, "post/products", json.RawMessage(`{"body":{"name":"free"}}`))
		emitted := conn.drain()
		assert.Len(emitted, 1)
		assert.Equal("post/products:error", emitted[0].event)
	}

	// Case 3: chat
	{
		peer := &testConn{id: "conn-2"}
		assert.Nil(roomManager.Join("chat", "lobby", conn))
		assert.Nil(roomManager.Join("chat", "lobby", peer))
		uut.Dispatch(utCtxt, conn, "chat", json.RawMessage(
			`{"body":{"text":"hello"},"params":{"room":"lobby"}}`,
		))
		emitted := peer.drain()
		assert.Len(emitted, 1)
		assert.Equal("chat:message", emitted[0].event)
		assert.Equal(ChatMessage{From: "conn-1", Text: "hello"}, emitted[0].data)
		assert.Len(conn.drain(), 2)

		uut.Dispatch(utCtxt, conn, "chat", json.RawMessage(`{"body":{"text":"hello"}}`))
		emitted = conn.drain()
		assert.Len(emitted, 1)
		assert.Equal("chat:error", emitted[0].event)
	}

	// Case 4: push subscription and notification
	{
		channelName := "notifications:push-notification"
		uut.Dispatch(utCtxt, conn, channelName, json.RawMessage(
			`{"body":{"action":"subscribe","subscription":{"endpoint":"https://push.example.com/d",`+
				`"keys":{"p256dh":"key","auth":"secret"}}}}`,
		))
		emitted := conn.drain()
		assert.Len(emitted, 1)
		assert.Equal(channelName+":success", emitted[0].event)
		_, err := store.Get(utCtxt, "dave")
		assert.Nil(err)

		uut.Dispatch(utCtxt, conn, channelName, json.RawMessage(
			`{"body":{"action":"notify","payload":{"title":"sale"}}}`,
		))
		assert.Len(conn.drain(), 1)
		engine.Wait()
		assert.Equal(uint64(1), engine.Metrics().Successful)
		sender.lock.Lock()
		assert.Equal([]string{"https://push.example.com/d"}, sender.endpoints)
		sender.lock.Unlock()

		uut.Dispatch(utCtxt, conn, channelName, json.RawMessage(
			`{"body":{"action":"unsubscribe"}}`,
		))
		assert.Len(conn.drain(), 1)
		_, err = store.Get(utCtxt, "dave")
		assert.Equal(push.ErrSubscriptionNotFound, err)

		uut.Dispatch(utCtxt, conn, channelName, json.RawMessage(`{"body":{"action":"explode"}}`))
		emitted = conn.drain()
		assert.Len(emitted, 1)
		assert.Equal(channelName+":error", emitted[0].event)
	}
}

func TestDemoChannelsWithoutPush(t *testing.T) {
	assert := assert.New(t)

	registry := channel.GetRegistry(false)
	assert.Nil(DefineChannels(registry, nil))
	names := []string{}
	for _, config := range registry.Channels() {
		names = append(names, config.Name)
	}
	assert.Equal([]string{"chat", "get/products", "post/products"}, names)
}

func freePort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func TestRunServer(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	config.HTTP.Server.ListenOn = "127.0.0.1"
	config.HTTP.Server.Port = freePort(t)
	config.Auth.APIKey = "server-unit-test"
	config.Rooms.SweepInterval = 1

	runtimeCtxt, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunServer(runtimeCtxt, ServerParam{Config: &config, Instance: t.Name()})
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", config.HTTP.Server.Port)
	assert.Eventually(func() bool {
		resp, err := http.Get(baseURL + "/alive")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second*5, time.Millisecond*50)

	// Case 0: unknown path
	{
		resp, err := http.Get(baseURL + "/unknown")
		assert.Nil(err)
		if err == nil {
			assert.Equal(http.StatusNotFound, resp.StatusCode)
			_ = resp.Body.Close()
		}
	}

	// Case 1: push is disabled by default
	{
		resp, err := http.Get(baseURL + "/v1/push/metrics")
		assert.Nil(err)
		if err == nil {
			assert.Equal(http.StatusServiceUnavailable, resp.StatusCode)
			_ = resp.Body.Close()
		}
	}

	// Case 2: WebSocket round trip
	{
		wsURL := fmt.Sprintf(
			"ws://127.0.0.1:%d/ws?api_key=server-unit-test", config.HTTP.Server.Port,
		)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Nil(err)
		if err == nil {
			assert.Nil(conn.WriteJSON(transport.Frame{Event: "get/products"}))
			var frame transport.Frame
			assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 5)))
			assert.Nil(conn.ReadJSON(&frame))
			assert.Equal("get/products:success", frame.Event)
			_ = conn.Close()
		}
	}

	// Case 3: wrong API key
	{
		wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws?api_key=wrong", config.HTTP.Server.Port)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.NotNil(err)
		if assert.NotNil(resp) {
			assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.Nil(err)
	case <-time.After(time.Second * 15):
		assert.Fail("server did not stop")
	}
}

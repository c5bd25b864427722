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
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// clientSubscription generate the key material a browser would register
func clientSubscription(t *testing.T, endpoint string) SubscriptionRecord {
	clientKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		t.Fatal(err)
	}
	return SubscriptionRecord{
		Endpoint: endpoint,
		Keys: SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(authSecret),
		},
	}
}

func TestWebPushSender(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	received := atomic.Int32{}
	pushService := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			received.Add(1)
			switch r.URL.Path {
			case "/gone":
				w.WriteHeader(http.StatusGone)
			case "/busy":
				w.WriteHeader(http.StatusTooManyRequests)
			default:
				if r.Header.Get("Authorization") == "" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.WriteHeader(http.StatusCreated)
			}
		},
	))
	defer pushService.Close()

	publicKey, privateKey, err := GenerateVAPIDKeys()
	assert.Nil(err)

	uut, err := GetWebPushSender(WebPushSenderParam{
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		Subscriber:      "admin@example.com",
		TTL:             time.Second * 30,
		HTTPClient:      pushService.Client(),
	})
	assert.Nil(err)

	utCtxt := context.Background()
	payload := []byte(`{"title":"hello"}`)

	// Case 0: accepted
	{
		err := uut.Send(utCtxt, clientSubscription(t, pushService.URL+"/ok"), payload)
		assert.Nil(err)
	}

	// Case 1: endpoint gone
	{
		err := uut.Send(utCtxt, clientSubscription(t, pushService.URL+"/gone"), payload)
		assert.NotNil(err)
		var deliveryErr *DeliveryError
		assert.True(errors.As(err, &deliveryErr))
		assert.Equal(http.StatusGone, deliveryErr.StatusCode)
		assert.True(deliveryErr.Gone())
		assert.True(isGone(err))
	}

	// Case 2: transient failure
	{
		err := uut.Send(utCtxt, clientSubscription(t, pushService.URL+"/busy"), payload)
		assert.NotNil(err)
		assert.False(isGone(err))
	}

	assert.Equal(int32(3), received.Load())

	// Case 3: key pair is required
	{
		_, err := GetWebPushSender(WebPushSenderParam{Subscriber: "admin@example.com"})
		assert.NotNil(err)
	}
}

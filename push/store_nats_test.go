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
	"os"
	"testing"
	"time"

	"github.com/alwitt/sockroute/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNATSSubscriptionStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsURI := os.Getenv("NATS_URI")
	if natsURI == "" {
		t.Skip("NATS_URI not set")
	}

	client, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second * 5,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer client.Close(context.Background())
	assert.True(client.Ready())

	bucket := fmt.Sprintf("test-%s", uuid.New().String())
	uut, err := GetNATSSubscriptionStore(client, bucket)
	assert.Nil(err)
	exerciseSubscriptionStore(t, uut)
	assert.Nil(uut.Close())
	assert.Nil(client.JetStream().DeleteKeyValue(bucket))
}

func TestSubscriberKeyEncoding(t *testing.T) {
	assert := assert.New(t)

	for _, id := range []string{"sub-1", "user@example.com", "a b/c*>"} {
		key := subscriberKey(id)
		assert.Regexp(`^[-_a-zA-Z0-9]+$`, key)
		decoded, err := subscriberIDFromKey(key)
		assert.Nil(err)
		assert.Equal(id, decoded)
	}
}

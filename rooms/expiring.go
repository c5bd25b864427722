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

package rooms

import (
	"sync"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
)

// expiringEntry one value in the ExpiringMap and when it was last touched
type expiringEntry[V any] struct {
	value   V
	touched time.Time
}

// ExpiringMapParam parameters for defining an ExpiringMap
type ExpiringMapParam[K comparable, V any] struct {
	// Name of the map, used in logging
	Name string
	// Timeout is the inactivity window after which an entry is removed by the sweep
	Timeout time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// OnEvict is called, outside of the map lock, for every entry removed by the sweep
	OnEvict func(key K, value V)
}

// ExpiringMap is a map whose entries are refreshed on every access and reclaimed by a
// sweep once they have not been touched for longer than the timeout.
//
// The sweep is lazy: it is scheduled when an entry is inserted and re-armed while
// entries remain, so an entry may outlive its timeout by up to one sweep period.
type ExpiringMap[K comparable, V any] struct {
	common.Component
	lock         sync.Mutex
	entries      map[K]*expiringEntry[V]
	timeout      time.Duration
	clock        func() time.Time
	onEvict      func(key K, value V)
	sweepPending bool
	sweepTimer   *time.Timer
	stopped      bool
}

// NewExpiringMap define a new ExpiringMap
func NewExpiringMap[K comparable, V any](param ExpiringMapParam[K, V]) *ExpiringMap[K, V] {
	logTags := log.Fields{
		"module": "rooms", "component": "expiring-map", "instance": param.Name,
	}
	clock := param.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ExpiringMap[K, V]{
		Component: common.Component{LogTags: logTags},
		entries:   make(map[K]*expiringEntry[V]),
		timeout:   param.Timeout,
		clock:     clock,
		onEvict:   param.OnEvict,
	}
}

// Get fetch an entry, refreshing its timestamp
func (m *ExpiringMap[K, V]) Get(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		var empty V
		return empty, false
	}
	entry.touched = m.clock()
	return entry.value, true
}

// Peek fetch an entry without refreshing its timestamp
func (m *ExpiringMap[K, V]) Peek(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		var empty V
		return empty, false
	}
	return entry.value, true
}

// Set insert or replace an entry, refreshing its timestamp
func (m *ExpiringMap[K, V]) Set(key K, value V) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if entry, ok := m.entries[key]; ok {
		entry.value = value
		entry.touched = m.clock()
		return
	}
	m.entries[key] = &expiringEntry[V]{value: value, touched: m.clock()}
	m.scheduleSweep()
}

// Upsert atomically fetch the entry (creating it with create if absent) and apply mutate
// to it. If mutate returns false the entry is removed. Returns whether the entry remains.
func (m *ExpiringMap[K, V]) Upsert(key K, create func() V, mutate func(value V) bool) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &expiringEntry[V]{value: create()}
	}
	entry.touched = m.clock()
	if !mutate(entry.value) {
		delete(m.entries, key)
		return false
	}
	if !ok {
		m.entries[key] = entry
		m.scheduleSweep()
	}
	return true
}

// Modify atomically apply mutate to an existing entry. If mutate returns false the entry
// is removed. Returns whether the entry existed.
func (m *ExpiringMap[K, V]) Modify(key K, mutate func(value V) bool) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return false
	}
	entry.touched = m.clock()
	if !mutate(entry.value) {
		delete(m.entries, key)
	}
	return true
}

// Delete remove an entry
func (m *ExpiringMap[K, V]) Delete(key K) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.entries, key)
}

// Len number of entries
func (m *ExpiringMap[K, V]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}

// Keys snapshot of the current keys
func (m *ExpiringMap[K, V]) Keys() []K {
	m.lock.Lock()
	defer m.lock.Unlock()
	keys := make([]K, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys
}

// Sweep remove every entry not touched within the timeout. Returns the number removed.
func (m *ExpiringMap[K, V]) Sweep() int {
	type evicted struct {
		key   K
		value V
	}
	var removed []evicted
	func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		now := m.clock()
		for key, entry := range m.entries {
			if now.Sub(entry.touched) > m.timeout {
				removed = append(removed, evicted{key: key, value: entry.value})
				delete(m.entries, key)
			}
		}
	}()
	if len(removed) > 0 {
		log.WithFields(m.LogTags).Debugf("Swept %d expired entries", len(removed))
	}
	if m.onEvict != nil {
		for _, one := range removed {
			m.onEvict(one.key, one.value)
		}
	}
	return len(removed)
}

// Stop cancel any pending sweep. Later inserts no longer schedule sweeps.
func (m *ExpiringMap[K, V]) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.stopped = true
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
	m.sweepPending = false
}

// scheduleSweep arm the sweep timer if one is not already pending. Caller holds the lock.
func (m *ExpiringMap[K, V]) scheduleSweep() {
	if m.sweepPending || m.stopped || m.timeout <= 0 {
		return
	}
	m.sweepPending = true
	m.sweepTimer = time.AfterFunc(m.timeout, m.scheduledSweep)
}

// scheduledSweep sweep triggered by the timer; re-arms itself while entries remain
func (m *ExpiringMap[K, V]) scheduledSweep() {
	m.lock.Lock()
	m.sweepPending = false
	m.lock.Unlock()

	m.Sweep()

	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.entries) > 0 {
		m.scheduleSweep()
	}
}

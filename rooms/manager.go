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

// Package rooms tracks which connections joined which channel-scoped rooms
package rooms

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
)

// DefaultExpiration is the room inactivity window used when none is given
const DefaultExpiration = time.Minute * 30

// Member is one connection which can join rooms
type Member interface {
	// ID is the connection ID
	ID() string
	// Emit send an event to the connection
	Emit(event string, data interface{}) error
}

// Key compute the room key of a room within a channel
func Key(channel, room string) string {
	return fmt.Sprintf("%s:%s", channel, room)
}

// Manager manages the room membership of connections
type Manager interface {
	// Join add a member to a channel's room
	Join(channel, room string, member Member) error
	// Leave remove a member from a channel's room. The room is removed once empty.
	Leave(channel, room string, memberID string)
	// LeaveAll remove a member from every room it joined. Returns the room keys left.
	LeaveAll(memberID string) []string
	// Members snapshot the members of a channel's room
	Members(channel, room string) []Member
	// Snapshot snapshot the members of a channel's room without counting as activity
	Snapshot(channel, room string) []Member
	// Broadcast send an event to every member of a channel's room. Returns the number
	// of members the event was sent to.
	Broadcast(channel, room, event string, data interface{}) int
	// Joined list the room keys a member is in
	Joined(memberID string) []string
	// RoomCount number of active rooms
	RoomCount() int
	// Sweep reclaim rooms inactive for longer than the expiration window
	Sweep() int
	// Stop cancel pending sweeps
	Stop()
}

// memberSet the members of one room
type memberSet struct {
	lock    sync.RWMutex
	members map[string]Member
}

func newMemberSet() *memberSet {
	return &memberSet{members: make(map[string]Member)}
}

func (s *memberSet) snapshot() []Member {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]Member, 0, len(s.members))
	for _, member := range s.members {
		result = append(result, member)
	}
	return result
}

func (s *memberSet) has(memberID string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.members[memberID]
	return ok
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	rooms      *ExpiringMap[string, *memberSet]
	joinLock   sync.Mutex
	joinedByID map[string]map[string]bool
}

// ManagerParam parameters for defining a Manager
type ManagerParam struct {
	// Name of the manager instance
	Name string
	// Expiration is the room inactivity window
	Expiration time.Duration
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// GetManager define a new room Manager
func GetManager(param ManagerParam) Manager {
	logTags := log.Fields{
		"module": "rooms", "component": "manager", "instance": param.Name,
	}
	if param.Expiration <= 0 {
		param.Expiration = DefaultExpiration
	}
	instance := &managerImpl{
		Component:  common.Component{LogTags: logTags},
		joinedByID: make(map[string]map[string]bool),
	}
	instance.rooms = NewExpiringMap(ExpiringMapParam[string, *memberSet]{
		Name:    param.Name,
		Timeout: param.Expiration,
		Clock:   param.Clock,
		OnEvict: instance.onRoomExpired,
	})
	return instance
}

// Join add a member to a channel's room
func (m *managerImpl) Join(channel, room string, member Member) error {
	if room == "" {
		return fmt.Errorf("room name can not be empty")
	}
	key := Key(channel, room)
	memberID := member.ID()
	m.rooms.Upsert(key, newMemberSet, func(set *memberSet) bool {
		set.lock.Lock()
		defer set.lock.Unlock()
		set.members[memberID] = member
		return true
	})

	m.joinLock.Lock()
	defer m.joinLock.Unlock()
	joined, ok := m.joinedByID[memberID]
	if !ok {
		joined = make(map[string]bool)
		m.joinedByID[memberID] = joined
	}
	joined[key] = true
	log.WithFields(m.LogTags).Debugf("%s joined %s", memberID, key)
	return nil
}

// removeFromRoom remove the member from a room key, dropping the room if it empties
func (m *managerImpl) removeFromRoom(key, memberID string) {
	m.rooms.Modify(key, func(set *memberSet) bool {
		set.lock.Lock()
		defer set.lock.Unlock()
		delete(set.members, memberID)
		return len(set.members) > 0
	})
}

// Leave remove a member from a channel's room
func (m *managerImpl) Leave(channel, room string, memberID string) {
	key := Key(channel, room)
	m.removeFromRoom(key, memberID)

	m.joinLock.Lock()
	defer m.joinLock.Unlock()
	if joined, ok := m.joinedByID[memberID]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(m.joinedByID, memberID)
		}
	}
	log.WithFields(m.LogTags).Debugf("%s left %s", memberID, key)
}

// LeaveAll remove a member from every room it joined
func (m *managerImpl) LeaveAll(memberID string) []string {
	var keys []string
	func() {
		m.joinLock.Lock()
		defer m.joinLock.Unlock()
		for key := range m.joinedByID[memberID] {
			keys = append(keys, key)
		}
		delete(m.joinedByID, memberID)
	}()
	for _, key := range keys {
		m.removeFromRoom(key, memberID)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		log.WithFields(m.LogTags).Debugf("%s left %d rooms", memberID, len(keys))
	}
	return keys
}

// Members snapshot the members of a channel's room
func (m *managerImpl) Members(channel, room string) []Member {
	set, ok := m.rooms.Get(Key(channel, room))
	if !ok {
		return nil
	}
	return set.snapshot()
}

// Snapshot snapshot the members of a channel's room without refreshing it
func (m *managerImpl) Snapshot(channel, room string) []Member {
	set, ok := m.rooms.Peek(Key(channel, room))
	if !ok {
		return nil
	}
	return set.snapshot()
}

// Broadcast send an event to every member of a channel's room
func (m *managerImpl) Broadcast(channel, room, event string, data interface{}) int {
	sent := 0
	for _, member := range m.Members(channel, room) {
		if err := member.Emit(event, data); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Failed to send %s to %s in %s", event, member.ID(), Key(channel, room),
			)
			continue
		}
		sent++
	}
	return sent
}

// Joined list the room keys a member is in
func (m *managerImpl) Joined(memberID string) []string {
	m.joinLock.Lock()
	defer m.joinLock.Unlock()
	keys := make([]string, 0, len(m.joinedByID[memberID]))
	for key := range m.joinedByID[memberID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RoomCount number of active rooms
func (m *managerImpl) RoomCount() int {
	return m.rooms.Len()
}

// Sweep reclaim rooms inactive for longer than the expiration window
func (m *managerImpl) Sweep() int {
	return m.rooms.Sweep()
}

// Stop cancel pending sweeps
func (m *managerImpl) Stop() {
	m.rooms.Stop()
}

// onRoomExpired drop the membership records of a room reclaimed by the sweep.
//
// A member may rejoin the key between the sweep and this call. Its record then belongs
// to the new room and is kept.
func (m *managerImpl) onRoomExpired(key string, set *memberSet) {
	m.joinLock.Lock()
	defer m.joinLock.Unlock()
	var current *memberSet
	if active, ok := m.rooms.Peek(key); ok && active != set {
		current = active
	}
	for _, member := range set.snapshot() {
		if current != nil && current.has(member.ID()) {
			continue
		}
		if joined, ok := m.joinedByID[member.ID()]; ok {
			delete(joined, key)
			if len(joined) == 0 {
				delete(m.joinedByID, member.ID())
			}
		}
	}
	log.WithFields(m.LogTags).Infof("Room %s expired", key)
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"sync"
)

// BusListener observes attachment lifecycle and discovery events.
// Any field may be nil. Callbacks run on dispatcher workers; a
// callback that needs to block must first call
// EnableConcurrentCallbacks.
type BusListener struct {
	ListenerRegistered   func(a *Attachment)
	ListenerUnregistered func()
	FoundAdvertisedName  func(name string, transportMask uint16, namePrefix string)
	LostAdvertisedName   func(name string, transportMask uint16, namePrefix string)
	NameOwnerChanged     func(busName, previousOwner, newOwner string)
	BusStopping          func()
	BusDisconnected      func()
}

// SessionListener observes one session's membership and loss.
type SessionListener struct {
	SessionLost          func(sessionID uint32, reason SessionLostReason)
	SessionMemberAdded   func(sessionID uint32, memberName string)
	SessionMemberRemoved func(sessionID uint32, memberName string)
}

// SessionPortListener gates and observes joins on a bound port.
type SessionPortListener struct {
	// AcceptSessionJoiner decides whether joiner may join. A nil
	// function accepts everyone.
	AcceptSessionJoiner func(port uint16, joiner string, opts SessionOpts) bool

	// SessionJoined fires after an accepted join completes.
	SessionJoined func(port uint16, sessionID uint32, joiner string)
}

// AboutListener receives About announcements.
type AboutListener struct {
	Announced func(busName string, version uint16, port uint16, interfaces []string)
}

// ApplicationStateListener receives org.alljoyn.Bus.Application
// State signals.
type ApplicationStateListener struct {
	State func(busName string, publicKeyDER []byte, state int)
}

// protectedEntry wraps one registered listener with a reference
// count. The count starts at one (the registry's reference); each
// in-flight callback holds one more. Unregister removes the map
// entry, then waits until the count returns to one, guaranteeing no
// callback on that listener survives the unregister call.
type protectedEntry[T any] struct {
	value T
	refs  int
}

// listenerSet is a registry of listeners of one kind with
// quiescent unregistration.
type listenerSet[T any] struct {
	mu      sync.Mutex
	idle    *sync.Cond
	nextID  uint64
	entries map[uint64]*protectedEntry[T]
}

func newListenerSet[T any]() *listenerSet[T] {
	set := &listenerSet[T]{entries: make(map[uint64]*protectedEntry[T])}
	set.idle = sync.NewCond(&set.mu)
	return set
}

// add registers value and returns its handle.
func (s *listenerSet[T]) add(value T) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries[s.nextID] = &protectedEntry[T]{value: value, refs: 1}
	return s.nextID
}

// remove unregisters the handle and blocks until every in-flight
// callback on it has finished. Returns whether the handle existed.
func (s *listenerSet[T]) remove(id uint64) bool {
	s.mu.Lock()
	entry, exists := s.entries[id]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	for entry.refs > 1 {
		s.idle.Wait()
	}
	s.mu.Unlock()
	return true
}

// snapshot pins every current listener and returns them with a
// release function. Callbacks are invoked on the snapshot outside the
// set lock; release drops the pins and wakes pending removes.
func (s *listenerSet[T]) snapshot() (values []T, release func()) {
	s.mu.Lock()
	pinned := make([]*protectedEntry[T], 0, len(s.entries))
	for _, entry := range s.entries {
		entry.refs++
		pinned = append(pinned, entry)
		values = append(values, entry.value)
	}
	s.mu.Unlock()

	return values, func() {
		s.mu.Lock()
		for _, entry := range pinned {
			entry.refs--
		}
		s.idle.Broadcast()
		s.mu.Unlock()
	}
}

// get pins a single listener by handle. The second result reports
// existence; release must be called when it exists.
func (s *listenerSet[T]) get(id uint64) (value T, release func(), ok bool) {
	s.mu.Lock()
	entry, exists := s.entries[id]
	if !exists {
		s.mu.Unlock()
		return value, nil, false
	}
	entry.refs++
	s.mu.Unlock()

	return entry.value, func() {
		s.mu.Lock()
		entry.refs--
		s.idle.Broadcast()
		s.mu.Unlock()
	}, true
}

// empty reports whether no listeners are registered.
func (s *listenerSet[T]) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}

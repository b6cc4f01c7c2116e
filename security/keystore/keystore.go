// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/lib/guid"
)

// Scope separates the attachment's own keys from negotiated peer
// keys.
type Scope string

const (
	// ScopeLocal holds the attachment's own key material.
	ScopeLocal Scope = "local"
	// ScopeRemote holds master secrets negotiated with peers.
	ScopeRemote Scope = "remote"
)

// Event is a key table change notification.
type Event int

const (
	// KeyAdded fires when a key is stored.
	KeyAdded Event = iota
	// KeyRemoved fires when a key is deleted or expires on access.
	KeyRemoved
	// KeysCleared fires once when the whole table is cleared.
	KeysCleared
)

// EventListener observes key table changes. Called with the table
// lock released. For KeysCleared the GUID is the zero value.
type EventListener func(event Event, scope Scope, peer guid.GUID)

// entry is one stored master secret.
type entry struct {
	secret    []byte
	mechanism string
	// expiry is the absolute expiration instant; zero means no
	// expiration.
	expiry time.Time
}

type tableKey struct {
	scope Scope
	peer  guid.GUID
}

// Store is the peer key state table: negotiated master secrets keyed
// by (scope, GUID) with optional expiration, change listeners, and
// HKDF session-key derivation. An optional File provides persistence
// with exclusive advisory-lock ownership.
type Store struct {
	clk clock.Clock

	mu        sync.Mutex
	entries   map[tableKey]entry
	listeners []EventListener
	file      *File
}

// New builds an in-memory Store. clk drives expiration; nil means
// the real clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clk:     clk,
		entries: make(map[tableKey]entry),
	}
}

// Open builds a Store persisted at path. The file is locked
// exclusively for the life of the store; a second attachment opening
// the same path fails.
func Open(path string, clk clock.Clock) (*Store, error) {
	store := New(clk)
	file, err := openFile(path)
	if err != nil {
		return nil, err
	}
	store.file = file
	if err := file.load(store); err != nil {
		file.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the backing file and its lock, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	file := s.file
	s.file = nil
	s.mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Close()
}

// AddListener registers a change listener.
func (s *Store) AddListener(listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// SetKey stores a master secret for (scope, peer). A zero ttl means
// no expiration.
func (s *Store) SetKey(scope Scope, peer guid.GUID, mechanism string, secret []byte, ttl time.Duration) error {
	stored := entry{
		secret:    append([]byte(nil), secret...),
		mechanism: mechanism,
	}
	if ttl > 0 {
		stored.expiry = s.clk.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[tableKey{scope, peer}] = stored
	err := s.persistLocked()
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(KeyAdded, scope, peer)
	}
	return err
}

// GetKey returns the stored secret and mechanism. An entry past its
// expiration is removed on access and reported as missing.
func (s *Store) GetKey(scope Scope, peer guid.GUID) (secret []byte, mechanism string, ok bool) {
	s.mu.Lock()
	stored, exists := s.entries[tableKey{scope, peer}]
	if exists && !stored.expiry.IsZero() && s.clk.Now().After(stored.expiry) {
		delete(s.entries, tableKey{scope, peer})
		s.persistLocked()
		listeners := append([]EventListener(nil), s.listeners...)
		s.mu.Unlock()
		for _, listener := range listeners {
			listener(KeyRemoved, scope, peer)
		}
		return nil, "", false
	}
	s.mu.Unlock()
	if !exists {
		return nil, "", false
	}
	return append([]byte(nil), stored.secret...), stored.mechanism, true
}

// DeleteKey removes one entry. Returns whether it existed.
func (s *Store) DeleteKey(scope Scope, peer guid.GUID) bool {
	s.mu.Lock()
	_, exists := s.entries[tableKey{scope, peer}]
	if exists {
		delete(s.entries, tableKey{scope, peer})
		s.persistLocked()
	}
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()

	if exists {
		for _, listener := range listeners {
			listener(KeyRemoved, scope, peer)
		}
	}
	return exists
}

// Clear drops every entry. Peer security re-negotiates keys for new
// sessions afterwards.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[tableKey]entry)
	s.persistLocked()
	listeners := append([]EventListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(KeysCleared, "", guid.GUID{})
	}
}

// Count returns the number of live entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SessionKey expands the peer's master secret into a session key of
// the given length with HKDF-SHA256, bound to info (typically the
// session id and direction).
func (s *Store) SessionKey(peer guid.GUID, info []byte, length int) ([]byte, error) {
	secret, _, ok := s.GetKey(ScopeRemote, peer)
	if !ok {
		return nil, fmt.Errorf("no master secret for peer %s", peer.Short())
	}
	reader := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("expanding session key: %w", err)
	}
	return key, nil
}

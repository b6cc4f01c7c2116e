// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"sync"

	"github.com/meshbus-foundation/meshbus/iface"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// MethodHandler is an application method implementation. It runs on a
// dispatcher worker; the reply goes back through Endpoint.Reply or
// Endpoint.ReplyError.
type MethodHandler func(member *iface.Member, msg *wire.Message)

// SignalHandler is an application signal callback.
type SignalHandler func(member *iface.Member, msg *wire.Message)

// MethodEntry is the resolved target of a method call. Lookup returns
// a copy (a "safe entry") whose fields stay valid across a concurrent
// unregister of the underlying object.
type MethodEntry struct {
	Handler MethodHandler
	Member  *iface.Member
	// ObjectPath is the owning object's path.
	ObjectPath string
	// Policy is the interface security policy at registration time.
	Policy iface.SecurityPolicy
	// SecureObject is the owning object's secure bit.
	SecureObject bool
	// UserContext is the value supplied at registration.
	UserContext any
}

type methodKey struct {
	path   string
	iface  string
	member string
}

// MethodTable maps (object path, interface, member) to handlers.
type MethodTable struct {
	mu      sync.Mutex
	entries map[methodKey]*MethodEntry
}

// NewMethodTable returns an empty MethodTable.
func NewMethodTable() *MethodTable {
	return &MethodTable{entries: make(map[methodKey]*MethodEntry)}
}

// Register installs a handler for (path, interface, member).
func (t *MethodTable) Register(path, ifaceName string, entry *MethodEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[methodKey{path, ifaceName, entry.Member.Name}] = entry
}

// Lookup resolves a call target and returns a safe copy. The second
// result diagnoses a miss: NoSuchObject when no entry exists for the
// path at all, NoSuchInterface when the path is known but not the
// interface, NoSuchMember when only the member is wrong.
func (t *MethodTable) Lookup(path, ifaceName, member string) (MethodEntry, status.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[methodKey{path, ifaceName, member}]; ok {
		return *entry, status.OK
	}

	pathKnown, ifaceKnown := false, false
	for key := range t.entries {
		if key.path != path {
			continue
		}
		pathKnown = true
		if key.iface == ifaceName {
			ifaceKnown = true
			break
		}
	}
	switch {
	case !pathKnown:
		return MethodEntry{}, status.NoSuchObject
	case !ifaceKnown:
		return MethodEntry{}, status.NoSuchInterface
	default:
		return MethodEntry{}, status.NoSuchMember
	}
}

// UnregisterObject removes every entry owned by the object at path.
func (t *MethodTable) UnregisterObject(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.entries {
		if key.path == path {
			delete(t.entries, key)
		}
	}
}

// signalKey indexes the signal multimap.
type signalKey struct {
	iface  string
	member string
}

// SignalRegistration identifies one registered signal handler for
// unregistering.
type SignalRegistration struct {
	key signalKey
	id  uint64
}

// signalEntry is one registered handler plus its match rule.
type signalEntry struct {
	id      uint64
	handler SignalHandler
	member  *iface.Member
	policy  iface.SecurityPolicy
	rule    wire.MatchRule
}

// SignalTable is the multimap from (interface, member) to signal
// handlers. Delivery takes a snapshot of the matching entries under
// the table lock and invokes callbacks outside it, so a handler may
// unregister itself (or any other handler) without deadlock.
type SignalTable struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[signalKey][]signalEntry
}

// NewSignalTable returns an empty SignalTable.
func NewSignalTable() *SignalTable {
	return &SignalTable{entries: make(map[signalKey][]signalEntry)}
}

// Register adds a handler for (interface, member) constrained by an
// optional match rule. An empty member registers for every member of
// the interface. policy is the interface security policy used by the
// endpoint's encryption check at delivery time.
func (t *SignalTable) Register(ifaceName, member string, handler SignalHandler, memberDesc *iface.Member, policy iface.SecurityPolicy, rule wire.MatchRule) SignalRegistration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	key := signalKey{ifaceName, member}
	t.entries[key] = append(t.entries[key], signalEntry{
		id:      t.nextID,
		handler: handler,
		member:  memberDesc,
		policy:  policy,
		rule:    rule,
	})
	return SignalRegistration{key: key, id: t.nextID}
}

// Unregister removes one registration. Returns whether it existed.
func (t *SignalTable) Unregister(registration SignalRegistration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.entries[registration.key]
	for n, entry := range entries {
		if entry.id == registration.id {
			t.entries[registration.key] = append(entries[:n:n], entries[n+1:]...)
			if len(t.entries[registration.key]) == 0 {
				delete(t.entries, registration.key)
			}
			return true
		}
	}
	return false
}

// SignalTarget is one snapshot entry returned by Match.
type SignalTarget struct {
	Handler SignalHandler
	Member  *iface.Member
	Policy  iface.SecurityPolicy
}

// Match returns the handlers whose key and match rule accept msg. The
// snapshot is built under the lock; callers invoke the handlers after
// it returns.
func (t *SignalTable) Match(msg *wire.Message) []SignalTarget {
	t.mu.Lock()
	defer t.mu.Unlock()

	var targets []SignalTarget
	for _, key := range []signalKey{
		{msg.Interface, msg.Member},
		{msg.Interface, ""},
	} {
		for _, entry := range t.entries[key] {
			if entry.rule.Matches(msg) {
				targets = append(targets, SignalTarget{
					Handler: entry.handler,
					Member:  entry.member,
					Policy:  entry.policy,
				})
			}
		}
	}
	return targets
}

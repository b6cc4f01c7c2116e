// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// ProtocolVersion is the protocol version this runtime announces. A
// remote daemon announcing a strictly lower version is rejected at
// connect time; a daemon announcing nothing is treated as a plain
// DBus daemon and exempted from the check.
const ProtocolVersion uint32 = 12

// Connection is one live link to a router, produced by a Transport.
// Transports are external collaborators: the core only sends decoded
// messages and receives them through the inbound callback given to
// Connect.
type Connection interface {
	// Send carries one outbound message to the router.
	Send(msg *wire.Message) status.Status

	// RemoteProtocolVersion returns the version the remote daemon
	// announced, or 0 when it announced none.
	RemoteProtocolVersion() uint32

	// IsDaemon reports whether the remote side is a routing daemon
	// (as opposed to a bundled in-process router).
	IsDaemon() bool

	// Close tears the link down. Safe to call twice.
	Close() error
}

// Transport connects to routers for one address scheme.
type Transport interface {
	// Scheme is the connect-spec prefix this transport serves,
	// e.g. "tcp" or "unix". The bundled in-process router registers
	// as "null".
	Scheme() string

	// Connect dials spec and wires inbound messages into the given
	// sink. The sink is safe to call from any goroutine until Close
	// returns.
	Connect(spec string, inbound func(*wire.Message) status.Status) (Connection, error)
}

// BundledTransportScheme is the scheme of the in-process fallback
// router used when no daemon is reachable.
const BundledTransportScheme = "null"

// registry is the process-wide transport factory table plus the
// debugging list of live attachments. It is explicit module state:
// the host calls Init before creating any attachment and Shutdown
// after the last one is gone.
type registry struct {
	mu          sync.Mutex
	initialized bool
	transports  map[string]Transport
	attachments map[*Attachment]struct{}
}

var processRegistry registry

// Init prepares the process-wide transport registry. Must be called
// before any attachment exists. Calling Init twice is an error.
func Init() error {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	if processRegistry.initialized {
		return fmt.Errorf("bus: Init called twice")
	}
	processRegistry.initialized = true
	processRegistry.transports = make(map[string]Transport)
	processRegistry.attachments = make(map[*Attachment]struct{})
	return nil
}

// Shutdown clears the registry. Must be called after the last
// attachment stopped.
func Shutdown() error {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	if !processRegistry.initialized {
		return fmt.Errorf("bus: Shutdown without Init")
	}
	if len(processRegistry.attachments) > 0 {
		return fmt.Errorf("bus: Shutdown with %d live attachments", len(processRegistry.attachments))
	}
	processRegistry.initialized = false
	processRegistry.transports = nil
	processRegistry.attachments = nil
	return nil
}

// RegisterTransport installs a transport factory for its scheme,
// replacing any previous registration.
func RegisterTransport(transport Transport) error {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	if !processRegistry.initialized {
		return fmt.Errorf("bus: RegisterTransport before Init")
	}
	processRegistry.transports[transport.Scheme()] = transport
	return nil
}

func lookupTransport(spec string) (Transport, string, status.Status) {
	scheme, _, ok := strings.Cut(spec, ":")
	if !ok || scheme == "" {
		return nil, "", status.BadArg1
	}
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	transport, exists := processRegistry.transports[scheme]
	if !exists {
		return nil, scheme, status.TransportUnavailable
	}
	return transport, scheme, status.OK
}

func trackAttachment(a *Attachment) {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	if processRegistry.attachments != nil {
		processRegistry.attachments[a] = struct{}{}
	}
}

func untrackAttachment(a *Attachment) {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	if processRegistry.attachments != nil {
		delete(processRegistry.attachments, a)
	}
}

// LiveAttachments returns the number of attachments currently
// tracked, for debugging.
func LiveAttachments() int {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	return len(processRegistry.attachments)
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meshbus-foundation/meshbus/endpoint"
	"github.com/meshbus-foundation/meshbus/iface"
	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/lib/guid"
	"github.com/meshbus-foundation/meshbus/security/permission"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// Default deadlines.
const (
	// DefaultReplyTimeout bounds ordinary control-plane calls.
	DefaultReplyTimeout = 25 * time.Second
	// DefaultJoinTimeout bounds synchronous JoinSession.
	DefaultJoinTimeout = 90 * time.Second
)

// lifecycleState is the attachment's coarse lifecycle.
type lifecycleState int

const (
	stateInitial lifecycleState = iota
	stateStarted
	stateConnected
	stateStopping
)

// Attachment is one application's handle onto the bus: lifecycle,
// interface creation, object registration, listener registration,
// name and session APIs, and peer security. It is the public façade
// over the local endpoint.
type Attachment struct {
	applicationName string
	config          Config
	clk             clock.Clock
	logger          *slog.Logger
	guid            guid.GUID

	endpoint   *endpoint.Endpoint
	interfaces *iface.Registry

	mu          sync.Mutex
	state       lifecycleState
	conn        Connection
	connectSpec string
	stopCh      chan struct{}

	busListeners      *listenerSet[BusListener]
	sessionListeners  *listenerSet[SessionListener]
	portListeners     *listenerSet[SessionPortListener]
	aboutListeners    *listenerSet[aboutRegistration]
	appStateListeners *listenerSet[ApplicationStateListener]

	sessions *sessionDirectory

	// boundPorts maps a bound session port to its port listener
	// handle.
	portsMu    sync.Mutex
	boundPorts map[uint16]uint64

	// joinWaiters are the threads parked in synchronous JoinSession.
	joinMu      sync.Mutex
	nextJoinID  uint64
	joinWaiters map[uint64]chan joinOutcome

	security securityState

	permissionMu sync.Mutex
	permission   *permission.Configurator
}

// aboutRegistration pairs an AboutListener with the implements
// filter given to WhoImplements.
type aboutRegistration struct {
	listener   AboutListener
	implements []string
}

// joinOutcome is the completion record written into a parked join
// thread's channel.
type joinOutcome struct {
	st        status.Status
	sessionID uint32
	opts      SessionOpts
}

// New creates an attachment. The process registry must be
// initialized first (Init). applicationName is used in diagnostics
// only.
func New(applicationName string, config Config) (*Attachment, status.Status) {
	config.applyDefaults()

	g, err := guid.New()
	if err != nil {
		return nil, status.Fail
	}

	a := &Attachment{
		applicationName:   applicationName,
		config:            config,
		clk:               config.Clock,
		logger:            config.Logger.With("attachment", applicationName),
		guid:              g,
		interfaces:        iface.NewRegistry(),
		busListeners:      newListenerSet[BusListener](),
		sessionListeners:  newListenerSet[SessionListener](),
		portListeners:     newListenerSet[SessionPortListener](),
		aboutListeners:    newListenerSet[aboutRegistration](),
		appStateListeners: newListenerSet[ApplicationStateListener](),
		sessions:          newSessionDirectory(),
		boundPorts:        make(map[uint16]uint64),
		joinWaiters:       make(map[uint64]chan joinOutcome),
	}

	a.endpoint = endpoint.New(endpoint.Config{
		GUID:        g,
		Concurrency: config.Concurrency,
		MaxInFlight: config.MaxInFlight,
		Marshaller:  config.Marshaller,
		Crypto:      &a.security,
		Security:    &a.security,
		Sender:      senderFunc(a.send),
		Clock:       config.Clock,
		Logger:      a.logger,
	})
	return a, status.OK
}

// senderFunc adapts a function to the endpoint.Sender interface.
type senderFunc func(*wire.Message) status.Status

func (f senderFunc) Send(msg *wire.Message) status.Status { return f(msg) }

// send carries outbound messages to the current connection.
func (a *Attachment) send(msg *wire.Message) status.Status {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return status.NotConnected
	}
	return conn.Send(msg)
}

// inbound is the sink handed to the transport.
func (a *Attachment) inbound(msg *wire.Message) status.Status {
	return a.endpoint.PushMessage(msg)
}

// UniqueName returns the minted unique name.
func (a *Attachment) UniqueName() string { return a.endpoint.UniqueName() }

// GUID returns the attachment's global identifier.
func (a *Attachment) GUID() guid.GUID { return a.guid }

// Endpoint exposes the local endpoint for object and signal handler
// registration.
func (a *Attachment) Endpoint() *endpoint.Endpoint { return a.endpoint }

// IsStarted reports whether Start succeeded and Join has not
// completed since.
func (a *Attachment) IsStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateStarted || a.state == stateConnected || a.state == stateStopping
}

// IsConnected reports whether the attachment has a live connection.
func (a *Attachment) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateConnected
}

// IsStopping reports whether Stop has been called.
func (a *Attachment) IsStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateStopping
}

// Start spawns the dispatcher. A second Start without an intervening
// Join fails with AlreadyStarted.
func (a *Attachment) Start() status.Status {
	a.mu.Lock()
	if a.state != stateInitial {
		a.mu.Unlock()
		return status.AlreadyStarted
	}
	a.state = stateStarted
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	if st := a.endpoint.Start(); st != status.OK {
		a.mu.Lock()
		a.state = stateInitial
		a.mu.Unlock()
		return st
	}
	trackAttachment(a)
	return status.OK
}

// Connect dials the configured (or given) connect spec. On failure,
// when a bundled in-process router is registered, it falls back to
// that. A remote daemon announcing a protocol version lower than
// ours is rejected with IncompatibleDaemon; a daemon announcing no
// version is treated as a plain DBus daemon and admitted.
func (a *Attachment) Connect(spec string) status.Status {
	a.mu.Lock()
	switch a.state {
	case stateInitial:
		a.mu.Unlock()
		return status.NotStarted
	case stateConnected:
		a.mu.Unlock()
		return status.AlreadyConnected
	case stateStopping:
		a.mu.Unlock()
		return status.Stopping
	}
	a.mu.Unlock()

	if spec == "" {
		spec = a.config.ConnectSpec
	}

	conn, st := a.dial(spec)
	if st != status.OK {
		// Retry with the bundled in-process router when the remote
		// router is not a daemon we can reach.
		bundled, _, bundledStatus := lookupTransport(BundledTransportScheme + ":")
		if bundledStatus != status.OK {
			return st
		}
		var err error
		conn, err = bundled.Connect(BundledTransportScheme+":", a.inbound)
		if err != nil {
			a.logger.Warn("bus: bundled transport connect failed", "error", err)
			return st
		}
		spec = BundledTransportScheme + ":"
	}

	if version := conn.RemoteProtocolVersion(); version != 0 && version < ProtocolVersion {
		conn.Close()
		return status.IncompatibleDaemon
	}

	a.mu.Lock()
	if a.state != stateStarted {
		a.mu.Unlock()
		conn.Close()
		return status.Stopping
	}
	a.conn = conn
	a.connectSpec = spec
	a.state = stateConnected
	a.mu.Unlock()

	a.registerControlPlaneHandlers()
	a.addStandingMatches()
	return status.OK
}

func (a *Attachment) dial(spec string) (Connection, status.Status) {
	transport, scheme, st := lookupTransport(spec)
	if st != status.OK {
		return nil, st
	}
	conn, err := transport.Connect(spec, a.inbound)
	if err != nil {
		a.logger.Debug("bus: transport connect failed",
			"scheme", scheme, "spec", spec, "error", err)
		return nil, status.TransportUnavailable
	}
	return conn, status.OK
}

// Disconnect closes the connection, returning the attachment to the
// started state.
func (a *Attachment) Disconnect() status.Status {
	a.mu.Lock()
	if a.state != stateConnected {
		a.mu.Unlock()
		return status.NotConnected
	}
	conn := a.conn
	a.conn = nil
	a.state = stateStarted
	a.mu.Unlock()

	conn.Close()
	a.notifyBusListeners(func(listener BusListener) {
		if listener.BusDisconnected != nil {
			listener.BusDisconnected()
		}
	})
	return status.OK
}

// Stop begins shutdown: notifies BusStopping, stops the transports,
// alerts threads parked in synchronous JoinSession (they return
// Stopping), and refuses further work. Join completes the shutdown.
func (a *Attachment) Stop() status.Status {
	a.mu.Lock()
	if a.state == stateInitial {
		a.mu.Unlock()
		return status.NotStarted
	}
	if a.state == stateStopping {
		a.mu.Unlock()
		return status.OK
	}
	a.state = stateStopping
	conn := a.conn
	a.conn = nil
	stopCh := a.stopCh
	a.mu.Unlock()

	a.notifyBusListeners(func(listener BusListener) {
		if listener.BusStopping != nil {
			listener.BusStopping()
		}
	})

	// Alert parked join threads (wake code: stopping).
	close(stopCh)
	a.joinMu.Lock()
	for _, waiter := range a.joinWaiters {
		select {
		case waiter <- joinOutcome{st: status.Stopping}:
		default:
		}
	}
	a.joinMu.Unlock()

	a.endpoint.Stop()
	if conn != nil {
		conn.Close()
	}
	return status.OK
}

// Join blocks until shutdown completes: the dispatcher drains, the
// peer key table clears, and the attachment returns to its initial
// state, ready for a fresh Start.
func (a *Attachment) Join() status.Status {
	a.mu.Lock()
	if a.state == stateInitial {
		a.mu.Unlock()
		return status.OK
	}
	if a.state != stateStopping {
		a.mu.Unlock()
		return status.NotStarted
	}
	a.mu.Unlock()

	a.endpoint.Join()

	if store := a.security.store(); store != nil {
		store.Clear()
	}

	a.mu.Lock()
	a.state = stateInitial
	a.mu.Unlock()
	untrackAttachment(a)
	return status.OK
}

// StopAndJoin is the common Stop-then-Join sequence.
func (a *Attachment) StopAndJoin() status.Status {
	if st := a.Stop(); st != status.OK {
		return st
	}
	return a.Join()
}

// CreateInterface makes a new mutable interface description owned by
// this attachment. Registering a duplicate of an activated interface
// fails with InterfaceExists.
func (a *Attachment) CreateInterface(name string) (*iface.Interface, status.Status) {
	return a.interfaces.Create(name)
}

// GetInterface returns a previously created interface, or nil.
func (a *Attachment) GetInterface(name string) *iface.Interface {
	return a.interfaces.Get(name)
}

// DeleteInterface removes a not-yet-activated interface.
func (a *Attachment) DeleteInterface(name string) status.Status {
	return a.interfaces.Delete(name)
}

// RegisterBusObject installs an object and its handlers on the local
// endpoint.
func (a *Attachment) RegisterBusObject(config endpoint.ObjectConfig) status.Status {
	return a.endpoint.RegisterObject(config)
}

// UnregisterBusObject removes an object, blocking until its in-flight
// handlers have returned.
func (a *Attachment) UnregisterBusObject(path string) status.Status {
	return a.endpoint.UnregisterObject(path)
}

// RegisterSignalHandler subscribes handler to an interface signal.
func (a *Attachment) RegisterSignalHandler(signalIface *iface.Interface, member string, handler endpoint.SignalHandler, rule wire.MatchRule) (endpoint.SignalRegistration, status.Status) {
	return a.endpoint.RegisterSignalHandler(signalIface, member, handler, rule)
}

// UnregisterSignalHandler removes a signal subscription.
func (a *Attachment) UnregisterSignalHandler(registration endpoint.SignalRegistration) bool {
	return a.endpoint.UnregisterSignalHandler(registration)
}

// RegisterBusListener adds a bus listener and fires its
// ListenerRegistered callback.
func (a *Attachment) RegisterBusListener(listener BusListener) uint64 {
	id := a.busListeners.add(listener)
	if listener.ListenerRegistered != nil {
		listener.ListenerRegistered(a)
	}
	return id
}

// UnregisterBusListener removes a bus listener, blocking until no
// callback on it is in flight, then fires ListenerUnregistered.
func (a *Attachment) UnregisterBusListener(id uint64) {
	listener, release, ok := a.busListeners.get(id)
	if !ok {
		return
	}
	release()
	if a.busListeners.remove(id) && listener.ListenerUnregistered != nil {
		listener.ListenerUnregistered()
	}
}

// notifyBusListeners snapshots the bus listener set and invokes fn
// on each entry outside the set lock.
func (a *Attachment) notifyBusListeners(fn func(BusListener)) {
	listeners, release := a.busListeners.snapshot()
	defer release()
	for _, listener := range listeners {
		fn(listener)
	}
}

// EnableConcurrentCallbacks releases the dispatcher reentrancy guard
// for the remainder of the current callback.
func (a *Attachment) EnableConcurrentCallbacks() {
	a.endpoint.Queue().EnableConcurrentCallbacks()
}

// IsReentrantCall reports whether the caller is inside a dispatcher
// callback.
func (a *Attachment) IsReentrantCall() bool {
	return a.endpoint.Queue().IsReentrantCall()
}

// PermissionConfigurator returns the attachment's claim machine,
// creating it on first use with the configured persistence path.
func (a *Attachment) PermissionConfigurator() (*permission.Configurator, status.Status) {
	a.permissionMu.Lock()
	defer a.permissionMu.Unlock()
	if a.permission == nil {
		configurator, err := permission.NewConfigurator(a.config.PermissionDBPath)
		if err != nil {
			a.logger.Error("bus: opening permission store failed", "error", err)
			return nil, status.Fail
		}
		a.permission = configurator
	}
	return a.permission, status.OK
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshbus-foundation/meshbus/dispatch"
	"github.com/meshbus-foundation/meshbus/iface"
	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/lib/guid"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// PeerInterface is the built-in peer interface answered locally by
// every endpoint.
const PeerInterface = "org.freedesktop.DBus.Peer"

// Peer interface members.
const (
	PeerPing         = "Ping"
	PeerGetMachineID = "GetMachineId"
)

// Sender carries outbound messages to the router. The router is an
// external collaborator; within tests a loopback Sender feeds
// messages straight back into an endpoint.
type Sender interface {
	Send(msg *wire.Message) status.Status
}

// SecurityHook receives security violations: messages that failed the
// encryption contract, with the specific violation status. The peer
// security sub-object implements this.
type SecurityHook interface {
	HandleSecurityViolation(msg *wire.Message, st status.Status)
}

// ObjectListener observes object registration lifecycle. Callbacks
// are deferred through the dispatcher's registration-callback
// category, so they run on a dispatcher worker after the mutating
// call returns.
type ObjectListener struct {
	ObjectRegistered   func(path string)
	ObjectUnregistered func(path string)
}

// Config configures an Endpoint.
type Config struct {
	// GUID is the attachment's global identifier.
	GUID guid.GUID

	// Concurrency and MaxInFlight configure the dispatcher.
	Concurrency int
	MaxInFlight int

	// Marshaller decodes inbound bodies. Required for endpoints fed
	// from a byte transport; optional when every message carries
	// decoded Args.
	Marshaller wire.Marshaller

	// Crypto opens encrypted bodies. Nil disables decryption, so
	// every encrypted message fails the decrypt check.
	Crypto wire.CryptoBox

	// Security receives violation reports. Optional.
	Security SecurityHook

	// Sender carries outbound messages. Required.
	Sender Sender

	// Objects observes object lifecycle. Optional.
	Objects ObjectListener

	// Clock drives deadlines. Nil means the real clock.
	Clock clock.Clock

	// Logger receives endpoint diagnostics. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Endpoint is the local message endpoint: it owns the dispatcher, the
// method and signal tables, the reply registry, and the object tree,
// and routes every inbound message to the right application callback
// under the encryption contract.
type Endpoint struct {
	guid       guid.GUID
	uniqueName string

	queue   *dispatch.Queue
	alarms  *dispatch.AlarmQueue
	methods *MethodTable
	signals *SignalTable
	replies *ReplyRegistry
	objects *Tree

	marshaller wire.Marshaller
	crypto     wire.CryptoBox
	security   SecurityHook
	sender     Sender
	listener   ObjectListener
	logger     *slog.Logger

	serial atomic.Uint32

	// handlersMu guards the unregister-quiescence state.
	handlersMu     sync.Mutex
	handlersIdle   *sync.Cond
	activeHandlers map[string]int
	unregistering  map[string]struct{}

	// registrationMu guards the deferred registration-callback list
	// drained by the pending-work sentinel.
	registrationMu     sync.Mutex
	registrationEvents []registrationEvent

	closing atomic.Bool
}

type registrationEvent struct {
	path       string
	registered bool
}

// uniqueNameCounter distinguishes multiple endpoints minted from the
// same GUID within one process.
var uniqueNameCounter atomic.Uint32

// New builds an Endpoint. Call Start before pushing messages.
func New(config Config) *Endpoint {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	e := &Endpoint{
		guid:           config.GUID,
		uniqueName:     ":" + config.GUID.Short() + "." + strconv.FormatUint(uint64(uniqueNameCounter.Add(1)), 10),
		methods:        NewMethodTable(),
		signals:        NewSignalTable(),
		marshaller:     config.Marshaller,
		crypto:         config.Crypto,
		security:       config.Security,
		sender:         config.Sender,
		listener:       config.Objects,
		logger:         config.Logger,
		activeHandlers: make(map[string]int),
		unregistering:  make(map[string]struct{}),
	}
	e.handlersIdle = sync.NewCond(&e.handlersMu)

	e.queue = dispatch.NewQueue(dispatch.Config{
		Concurrency: config.Concurrency,
		MaxInFlight: config.MaxInFlight,
		Logger:      config.Logger,
		PendingWork: dispatch.PendingWorkHandlers{
			RegistrationCallback: e.drainRegistrationEvents,
		},
	})
	e.alarms = dispatch.NewAlarmQueue(config.Clock)
	e.replies = NewReplyRegistry(e.queue, e.alarms, config.Logger)
	e.objects = NewTree(TreeListener{
		ObjectRegistered:   func(path string) { e.deferRegistrationEvent(path, true) },
		ObjectUnregistered: func(path string) { e.deferRegistrationEvent(path, false) },
	})
	return e
}

// Start spawns the dispatcher workers. An endpoint that was stopped
// and joined starts over cleanly.
func (e *Endpoint) Start() status.Status {
	if st := e.queue.Start(); st != status.OK {
		return st
	}
	e.alarms.Restart()
	e.closing.Store(false)
	return status.OK
}

// Stop refuses new work and aborts pending deadlines with
// TimerExiting. Outstanding queue items are drained; Join waits for
// them.
func (e *Endpoint) Stop() {
	e.closing.Store(true)
	e.alarms.Stop()
	e.queue.Stop()
}

// Join blocks until the dispatcher has drained.
func (e *Endpoint) Join() {
	e.queue.Join()
}

// UniqueName returns the endpoint's minted unique name.
func (e *Endpoint) UniqueName() string { return e.uniqueName }

// GUID returns the attachment GUID.
func (e *Endpoint) GUID() guid.GUID { return e.guid }

// Queue exposes the dispatcher for reentrancy queries and
// pending-work arming.
func (e *Endpoint) Queue() *dispatch.Queue { return e.queue }

// Replies exposes the reply registry (pause/resume during
// authentication, re-serialization).
func (e *Endpoint) Replies() *ReplyRegistry { return e.replies }

// Objects exposes the object tree.
func (e *Endpoint) Objects() *Tree { return e.objects }

// NextSerial mints the next outbound serial. Serial zero is never
// produced.
func (e *Endpoint) NextSerial() uint32 {
	for {
		if serial := e.serial.Add(1); serial != 0 {
			return serial
		}
	}
}

// ObjectInterface binds one interface and its method handlers to an
// object registration.
type ObjectInterface struct {
	// Interface must be activated.
	Interface *iface.Interface

	// Announced includes the interface in About announcements.
	Announced bool

	// Handlers maps member name to handler for the interface's
	// methods.
	Handlers map[string]MethodHandler
}

// ObjectConfig describes one bus object.
type ObjectConfig struct {
	Path        string
	Secure      bool
	UserContext any
	Interfaces  []ObjectInterface
}

// RegisterObject installs an object and its method handlers.
// Ancestor placeholders are auto-created; the ObjectRegistered
// callback is delivered through the dispatcher.
func (e *Endpoint) RegisterObject(config ObjectConfig) status.Status {
	names := make([]string, 0, len(config.Interfaces))
	for _, bound := range config.Interfaces {
		if bound.Interface == nil || !bound.Interface.Activated() {
			return status.BadArg2
		}
		names = append(names, bound.Interface.Name())
	}

	if st := e.objects.Register(config.Path, names, config.Secure); st != status.OK {
		return st
	}

	// The tree applies ancestor inheritance; read back the effective
	// secure bit.
	object, _ := e.objects.Get(config.Path)

	for _, bound := range config.Interfaces {
		policy := bound.Interface.SecurityPolicy()
		for _, member := range bound.Interface.Members() {
			if member.Kind != iface.Method {
				continue
			}
			handler := bound.Handlers[member.Name]
			if handler == nil {
				continue
			}
			e.methods.Register(config.Path, bound.Interface.Name(), &MethodEntry{
				Handler:      handler,
				Member:       member,
				ObjectPath:   config.Path,
				Policy:       policy,
				SecureObject: object.Secure,
				UserContext:  config.UserContext,
			})
		}
		if bound.Announced {
			e.objects.SetAnnounced(config.Path, bound.Interface.Name())
		}
	}
	return status.OK
}

// UnregisterObject removes the object at path. The call blocks until
// every in-flight handler on the object has returned; handlers
// arriving meanwhile are skipped. After it returns no handler for the
// object runs again.
func (e *Endpoint) UnregisterObject(path string) status.Status {
	if _, ok := e.objects.Get(path); !ok {
		return status.NoSuchObject
	}

	e.handlersMu.Lock()
	e.unregistering[path] = struct{}{}
	for e.activeHandlers[path] > 0 {
		e.handlersIdle.Wait()
	}
	e.handlersMu.Unlock()

	e.methods.UnregisterObject(path)
	st := e.objects.Unregister(path)

	e.handlersMu.Lock()
	delete(e.unregistering, path)
	e.handlersMu.Unlock()
	return st
}

// RegisterSignalHandler adds a signal handler for an interface
// member, optionally constrained by a match rule.
func (e *Endpoint) RegisterSignalHandler(signalIface *iface.Interface, member string, handler SignalHandler, rule wire.MatchRule) (SignalRegistration, status.Status) {
	if signalIface == nil {
		return SignalRegistration{}, status.BadArg1
	}
	memberDesc := signalIface.Member(member)
	if memberDesc == nil || memberDesc.Kind != iface.SignalMember {
		return SignalRegistration{}, status.NoSuchMember
	}
	registration := e.signals.Register(signalIface.Name(), member, handler, memberDesc, signalIface.SecurityPolicy(), rule)
	return registration, status.OK
}

// RegisterRawSignalHandler registers a handler by interface and
// member name without a description, used for the control-plane
// signals whose interfaces exist only on the router.
func (e *Endpoint) RegisterRawSignalHandler(ifaceName, member string, handler SignalHandler, rule wire.MatchRule) SignalRegistration {
	return e.signals.Register(ifaceName, member, handler, nil, iface.Off, rule)
}

// UnregisterSignalHandler removes a registration. Returns whether it
// existed.
func (e *Endpoint) UnregisterSignalHandler(registration SignalRegistration) bool {
	return e.signals.Unregister(registration)
}

// CallMethod sends a method call. The serial is minted here; when a
// reply is expected the handler is registered before the send so no
// reply can race past it. timeout bounds the reply.
func (e *Endpoint) CallMethod(call *wire.Message, method *iface.Member, handler ReplyHandler, userContext any, timeout time.Duration) status.Status {
	if e.closing.Load() {
		return status.Stopping
	}
	call.Sender = e.uniqueName
	call.Serial = e.NextSerial()

	if call.ExpectsReply() && handler != nil {
		e.replies.Register(call, method, handler, userContext, timeout)
	}
	if st := e.sender.Send(call); st != status.OK {
		e.replies.Unregister(call.Serial)
		return st
	}
	return status.OK
}

// SendSignal emits a signal.
func (e *Endpoint) SendSignal(msg *wire.Message) status.Status {
	if e.closing.Load() {
		return status.Stopping
	}
	msg.Sender = e.uniqueName
	msg.Serial = e.NextSerial()
	return e.sender.Send(msg)
}

// Reply sends the success reply to call with the given output
// signature and arguments.
func (e *Endpoint) Reply(call *wire.Message, outSignature string, args ...any) status.Status {
	reply := wire.NewMethodReturn(call)
	reply.Sender = e.uniqueName
	reply.Serial = e.NextSerial()
	reply.Signature = outSignature
	reply.Args = args
	if call.IsEncrypted() {
		reply.Flags |= wire.FlagEncrypted
	}
	return e.sender.Send(reply)
}

// ReplyError sends an error reply to call.
func (e *Endpoint) ReplyError(call *wire.Message, errorName, description string) status.Status {
	reply := wire.NewError(call, errorName, description)
	reply.Sender = e.uniqueName
	reply.Serial = e.NextSerial()
	return e.sender.Send(reply)
}

// PushMessage enters one inbound message. Method calls and signals
// whose sender differs from the local unique name are limitable:
// they respect the dispatcher's in-flight bound. Returns
// EndpointClosing when the endpoint no longer accepts work.
func (e *Endpoint) PushMessage(msg *wire.Message) status.Status {
	if e.closing.Load() {
		return status.EndpointClosing
	}
	limitable := msg.Sender != e.uniqueName

	switch msg.Type {
	case wire.MethodCall:
		return e.queue.Enqueue(func() { e.handleMethodCall(msg) }, limitable)
	case wire.Signal:
		return e.queue.Enqueue(func() { e.handleSignal(msg) }, limitable)
	case wire.MethodReturn, wire.Error:
		return e.queue.Enqueue(func() { e.handleReply(msg) }, limitable)
	default:
		return status.InvalidData
	}
}

// handleMethodCall resolves and invokes a method handler on a
// dispatcher worker.
func (e *Endpoint) handleMethodCall(msg *wire.Message) {
	if msg.Interface == PeerInterface {
		e.handlePeerCall(msg)
		return
	}

	entry, st := e.methods.Lookup(msg.Path, msg.Interface, msg.Member)
	if st != status.OK {
		e.rejectCall(msg, st)
		return
	}

	// Encryption contract: policy Required always enforces; a secure
	// object enforces for everything except policy Off.
	required := entry.Policy == iface.Required ||
		(entry.SecureObject && entry.Policy != iface.Off)
	if required && !msg.IsEncrypted() {
		e.reportViolation(msg, status.NotEncrypted)
		if msg.ExpectsReply() {
			e.ReplyError(msg, status.ErrorSecurityViolation, status.NotEncrypted.String())
		}
		return
	}

	if !e.openBody(msg, entry.Member.InSignature) {
		return
	}

	e.invokeObjectHandler(entry, msg)
}

// invokeObjectHandler runs the handler under the active-handlers
// accounting that unregister quiescence relies on.
func (e *Endpoint) invokeObjectHandler(entry MethodEntry, msg *wire.Message) {
	e.handlersMu.Lock()
	if _, unregistering := e.unregistering[entry.ObjectPath]; unregistering {
		e.handlersMu.Unlock()
		return
	}
	e.activeHandlers[entry.ObjectPath]++
	e.handlersMu.Unlock()

	defer func() {
		e.handlersMu.Lock()
		e.activeHandlers[entry.ObjectPath]--
		if e.activeHandlers[entry.ObjectPath] <= 0 {
			delete(e.activeHandlers, entry.ObjectPath)
			e.handlersIdle.Broadcast()
		}
		e.handlersMu.Unlock()
	}()

	entry.Handler(entry.Member, msg)
}

// rejectCall diagnoses a failed lookup: the mapped error goes back to
// the caller when a reply is expected, otherwise the call is dropped
// silently.
func (e *Endpoint) rejectCall(msg *wire.Message, st status.Status) {
	if !msg.ExpectsReply() {
		e.logger.Debug("endpoint: dropping unroutable call",
			"message", msg.String(), "status", st.String())
		return
	}
	e.ReplyError(msg, st.WireName(), st.String())
}

// handlePeerCall answers the built-in peer interface locally.
func (e *Endpoint) handlePeerCall(msg *wire.Message) {
	switch msg.Member {
	case PeerPing:
		if msg.ExpectsReply() {
			e.Reply(msg, "")
		}
	case PeerGetMachineID:
		if msg.ExpectsReply() {
			e.Reply(msg, "s", e.guid.String())
		}
	default:
		e.rejectCall(msg, status.NoSuchMember)
	}
}

// handleSignal fans a signal out to every matching handler on the
// current worker.
func (e *Endpoint) handleSignal(msg *wire.Message) {
	targets := e.signals.Match(msg)
	if len(targets) == 0 {
		return
	}

	decoded := false
	for _, target := range targets {
		required := target.Policy == iface.Required
		if required && !msg.IsEncrypted() {
			e.reportViolation(msg, status.NotEncrypted)
			continue
		}
		if !decoded {
			signature := msg.Signature
			if target.Member != nil {
				signature = target.Member.InSignature
			}
			if !e.openBody(msg, signature) {
				return
			}
			decoded = true
		}
		target.Handler(target.Member, msg)
	}
}

// handleReply matches a method return or error to its outstanding
// call context.
func (e *Endpoint) handleReply(msg *wire.Message) {
	ctx := e.replies.take(msg.ReplySerial)
	if ctx == nil {
		// Late or duplicate reply: the context completed (or timed
		// out) already. Dropped by contract.
		e.logger.Debug("endpoint: dropping unmatched reply",
			"message", msg.String(), "status", status.UnmatchedReplySerial.String())
		return
	}
	if ctx.alarm != nil {
		ctx.alarm.Cancel()
	}

	// Decrypt-check: a call sent encrypted must not accept a
	// cleartext reply.
	if ctx.callFlags&wire.FlagEncrypted != 0 && !msg.IsEncrypted() {
		e.reportViolation(msg, status.NotEncrypted)
		ctx.handler(status.NotEncrypted, msg, ctx.userContext)
		return
	}

	switch msg.Type {
	case wire.MethodReturn:
		signature := msg.Signature
		if ctx.method != nil {
			signature = ctx.method.OutSignature
		}
		if msg.Body != nil && msg.Args == nil && e.marshaller != nil {
			args, err := e.marshaller.Unmarshal(signature, msg.Body)
			if err != nil {
				e.logger.Warn("endpoint: reply unmarshal failed",
					"message", msg.String(), "error", err)
				ctx.handler(status.InvalidData, msg, ctx.userContext)
				return
			}
			msg.Args = args
		}
		ctx.handler(status.OK, msg, ctx.userContext)
	case wire.Error:
		ctx.handler(status.FromWireName(msg.ErrorName), msg, ctx.userContext)
	}
}

// openBody decrypts and decodes an inbound body in place. Returns
// false when the message must be dropped; the violation or decode
// failure has already been reported.
func (e *Endpoint) openBody(msg *wire.Message, signature string) bool {
	if msg.IsEncrypted() && msg.Body != nil {
		if e.crypto == nil {
			e.reportViolation(msg, status.KeyUnavailable)
			if msg.ExpectsReply() {
				e.ReplyError(msg, status.ErrorSecurityViolation, status.KeyUnavailable.String())
			}
			return false
		}
		opened, err := e.crypto.Decrypt(msg.Sender, msg.Body)
		if err != nil {
			e.reportViolation(msg, status.DecryptionFailed)
			if msg.ExpectsReply() {
				e.ReplyError(msg, status.ErrorSecurityViolation, status.DecryptionFailed.String())
			}
			return false
		}
		msg.Body = opened
	}

	if msg.Body != nil && msg.Args == nil && e.marshaller != nil {
		args, err := e.marshaller.Unmarshal(signature, msg.Body)
		if err != nil {
			e.logger.Warn("endpoint: unmarshal failed",
				"message", msg.String(), "error", err)
			if msg.ExpectsReply() {
				e.ReplyError(msg, status.ErrorInvalidData, err.Error())
			}
			return false
		}
		msg.Args = args
	}
	return true
}

// reportViolation forwards a security violation to the peer security
// sub-object. The situation counts as handled afterwards; the
// dispatcher continues with the next item.
func (e *Endpoint) reportViolation(msg *wire.Message, st status.Status) {
	e.logger.Warn("endpoint: security violation",
		"message", msg.String(), "status", st.String())
	if e.security != nil {
		e.security.HandleSecurityViolation(msg, st)
	}
}

// deferRegistrationEvent queues an object lifecycle callback for the
// pending-work sentinel.
func (e *Endpoint) deferRegistrationEvent(path string, registered bool) {
	if e.listener.ObjectRegistered == nil && e.listener.ObjectUnregistered == nil {
		return
	}
	e.registrationMu.Lock()
	e.registrationEvents = append(e.registrationEvents, registrationEvent{path, registered})
	e.registrationMu.Unlock()
	e.queue.ArmRegistrationCallback()
}

// drainRegistrationEvents is the registration-callback category of
// the pending-work sentinel.
func (e *Endpoint) drainRegistrationEvents() {
	e.registrationMu.Lock()
	events := e.registrationEvents
	e.registrationEvents = nil
	e.registrationMu.Unlock()

	for _, event := range events {
		if event.registered {
			if e.listener.ObjectRegistered != nil {
				e.listener.ObjectRegistered(event.path)
			}
		} else if e.listener.ObjectUnregistered != nil {
			e.listener.ObjectUnregistered(event.path)
		}
	}
}

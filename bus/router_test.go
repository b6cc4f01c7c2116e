// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// routerName is the unique name the fake router signs its traffic
// with.
const routerName = ":0.1"

func TestMain(m *testing.M) {
	if err := Init(); err != nil {
		fmt.Fprintf(os.Stderr, "bus.Init: %v\n", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// fakeRouter is a miniature routing daemon for tests: it owns the
// name table, binds session ports, brokers joins (calling back into
// the host's AcceptSession), and emits the control-plane signals the
// attachment consumes.
type fakeRouter struct {
	announcedVersion uint32
	isDaemon         bool

	mu          sync.Mutex
	serial      uint32
	clients     map[string]*fakeConn
	names       map[string]string   // well-known name -> owner unique name
	queues      map[string][]string // well-known name -> waiting owners
	ports       map[string]map[uint16]SessionOpts
	sessions    map[uint32]*routerSession
	nextSession uint32
	pending     map[uint32]chan *wire.Message
}

type routerSession struct {
	id      uint32
	host    string
	port    uint16
	opts    SessionOpts
	members []string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		announcedVersion: ProtocolVersion,
		isDaemon:         true,
		clients:          make(map[string]*fakeConn),
		names:            make(map[string]string),
		queues:           make(map[string][]string),
		ports:            make(map[string]map[uint16]SessionOpts),
		sessions:         make(map[uint32]*routerSession),
		pending:          make(map[uint32]chan *wire.Message),
	}
}

type fakeTransport struct {
	router *fakeRouter
}

func (t *fakeTransport) Scheme() string { return "test" }

func (t *fakeTransport) Connect(spec string, inbound func(*wire.Message) status.Status) (Connection, error) {
	conn := &fakeConn{router: t.router, inbound: inbound}
	return conn, nil
}

type fakeConn struct {
	router  *fakeRouter
	inbound func(*wire.Message) status.Status

	mu     sync.Mutex
	name   string
	closed bool
}

func (c *fakeConn) RemoteProtocolVersion() uint32 { return c.router.announcedVersion }
func (c *fakeConn) IsDaemon() bool                { return c.router.isDaemon }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	name := c.name
	c.mu.Unlock()
	if name != "" {
		c.router.clientClosed(name)
	}
	return nil
}

func (c *fakeConn) Send(msg *wire.Message) status.Status {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.NotConnected
	}
	if c.name == "" && msg.Sender != "" {
		c.name = msg.Sender
		c.router.register(msg.Sender, c)
	}
	c.mu.Unlock()

	return c.router.route(msg)
}

func (r *fakeRouter) register(name string, conn *fakeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = conn
}

func (r *fakeRouter) route(msg *wire.Message) status.Status {
	switch msg.Destination {
	case DBusName, ControllerName:
		go r.handleControl(msg)
		return status.OK
	case routerName:
		// A reply to one of the router's own calls (AcceptSession).
		r.mu.Lock()
		waiter := r.pending[msg.ReplySerial]
		delete(r.pending, msg.ReplySerial)
		r.mu.Unlock()
		if waiter != nil {
			waiter <- msg
		}
		return status.OK
	case "":
		// Broadcast signal.
		r.mu.Lock()
		conns := make([]*fakeConn, 0, len(r.clients))
		for _, conn := range r.clients {
			conns = append(conns, conn)
		}
		r.mu.Unlock()
		for _, conn := range conns {
			conn.inbound(msg)
		}
		return status.OK
	}

	r.mu.Lock()
	owner := msg.Destination
	if resolved, ok := r.names[owner]; ok {
		owner = resolved
	}
	conn := r.clients[owner]
	r.mu.Unlock()
	if conn == nil {
		return status.NoSuchObject
	}
	return conn.inbound(msg)
}

// reply sends a method return carrying args back to the caller.
func (r *fakeRouter) reply(call *wire.Message, signature string, args ...any) {
	if call.NoReplyExpected() {
		return
	}
	reply := wire.NewMethodReturn(call)
	reply.Sender = routerName
	reply.Signature = signature
	reply.Args = args
	r.mu.Lock()
	conn := r.clients[call.Sender]
	r.mu.Unlock()
	if conn != nil {
		conn.inbound(reply)
	}
}

// signal emits a control-plane signal to one client.
func (r *fakeRouter) signal(destination, ifaceName, member string, args ...any) {
	msg := wire.NewSignal(ControllerPath, ifaceName, member)
	msg.Sender = routerName
	msg.Destination = destination
	msg.Args = args
	r.mu.Lock()
	conn := r.clients[destination]
	r.mu.Unlock()
	if conn != nil {
		conn.inbound(msg)
	}
}

func (r *fakeRouter) handleControl(msg *wire.Message) {
	switch msg.Member {
	case "RequestName":
		name, _ := msg.Args[0].(string)
		flags, _ := msg.Args[1].(uint32)
		r.reply(msg, "u", r.requestName(msg.Sender, name, flags))
	case "ReleaseName":
		name, _ := msg.Args[0].(string)
		r.reply(msg, "u", r.releaseName(msg.Sender, name))
	case "NameHasOwner":
		name, _ := msg.Args[0].(string)
		r.mu.Lock()
		_, owned := r.names[name]
		r.mu.Unlock()
		r.reply(msg, "b", owned)
	case "GetNameOwner":
		name, _ := msg.Args[0].(string)
		r.mu.Lock()
		owner, owned := r.names[name]
		r.mu.Unlock()
		if owned {
			r.reply(msg, "s", owner)
		} else {
			r.errorReply(msg, status.ErrorServiceUnknown)
		}
	case "AddMatch", "RemoveMatch":
		r.reply(msg, "")
	case "BindSessionPort":
		port, _ := msg.Args[0].(uint16)
		opts := SessionOpts{}
		if m, ok := msg.Args[1].(map[string]any); ok {
			opts = SessionOptsFromMap(m)
		}
		disposition, granted := r.bindPort(msg.Sender, port, opts)
		r.reply(msg, "uq", disposition, granted)
	case "UnbindSessionPort":
		port, _ := msg.Args[0].(uint16)
		r.mu.Lock()
		delete(r.ports[msg.Sender], port)
		r.mu.Unlock()
		r.reply(msg, "u", uint32(1))
	case "JoinSession":
		host, _ := msg.Args[0].(string)
		port, _ := msg.Args[1].(uint16)
		opts := SessionOpts{}
		if m, ok := msg.Args[2].(map[string]any); ok {
			opts = SessionOptsFromMap(m)
		}
		r.joinSession(msg, host, port, opts)
	case "LeaveSession", "LeaveHostedSession", "LeaveJoinedSession":
		sessionID, _ := msg.Args[0].(uint32)
		r.reply(msg, "u", r.leaveSession(msg.Sender, sessionID, msg.Member))
	case "RemoveSessionMember":
		sessionID, _ := msg.Args[0].(uint32)
		member, _ := msg.Args[1].(string)
		r.reply(msg, "u", r.removeMember(msg.Sender, sessionID, member))
	case "AdvertiseName", "CancelAdvertiseName", "FindAdvertisedNameByTransport", "CancelFindAdvertisedName":
		r.reply(msg, "u", uint32(1))
	case "Ping":
		name, _ := msg.Args[0].(string)
		r.mu.Lock()
		_, known := r.clients[name]
		if owner, ok := r.names[name]; ok {
			_, known = r.clients[owner]
		}
		r.mu.Unlock()
		if known {
			r.reply(msg, "u", uint32(1))
		} else {
			r.reply(msg, "u", uint32(2))
		}
	case "OnAppSuspend", "OnAppResume":
		r.reply(msg, "u", uint32(1))
	case "SetLinkTimeout":
		seconds, _ := msg.Args[1].(uint32)
		r.reply(msg, "uu", uint32(1), seconds)
	default:
		r.errorReply(msg, status.ErrorNoSuchMember)
	}
}

func (r *fakeRouter) errorReply(call *wire.Message, errorName string) {
	if call.NoReplyExpected() {
		return
	}
	reply := wire.NewError(call, errorName, "")
	reply.Sender = routerName
	r.mu.Lock()
	conn := r.clients[call.Sender]
	r.mu.Unlock()
	if conn != nil {
		conn.inbound(reply)
	}
}

func (r *fakeRouter) requestName(requester, name string, flags uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, owned := r.names[name]
	switch {
	case !owned:
		r.names[name] = requester
		return status.DispositionPrimaryOwner
	case owner == requester:
		return status.DispositionAlreadyOwner
	case flags&NameDoNotQueue != 0:
		return status.DispositionExists
	default:
		r.queues[name] = append(r.queues[name], requester)
		return status.DispositionInQueue
	}
}

func (r *fakeRouter) releaseName(requester, name string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, owned := r.names[name]
	if !owned {
		return status.DispositionNonExistent
	}
	if owner != requester {
		return status.DispositionNotOwner
	}
	if queue := r.queues[name]; len(queue) > 0 {
		r.names[name] = queue[0]
		r.queues[name] = queue[1:]
	} else {
		delete(r.names, name)
	}
	return status.DispositionReleased
}

func (r *fakeRouter) bindPort(host string, port uint16, opts SessionOpts) (uint32, uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bound := r.ports[host]
	if bound == nil {
		bound = make(map[uint16]SessionOpts)
		r.ports[host] = bound
	}
	if port == SessionPortAny {
		port = 1
		for {
			if _, taken := bound[port]; !taken {
				break
			}
			port++
		}
	} else if _, taken := bound[port]; taken {
		return bindDispositionExists, port
	}
	bound[port] = opts
	return bindDispositionSuccess, port
}

// joinSession brokers a join: it calls AcceptSession on the host and
// answers the joiner with the disposition. Runs on its own goroutine.
func (r *fakeRouter) joinSession(call *wire.Message, host string, port uint16, opts SessionOpts) {
	r.mu.Lock()
	hostUnique := host
	if resolved, ok := r.names[host]; ok {
		hostUnique = resolved
	}
	hostConn := r.clients[hostUnique]
	bound, portBound := r.ports[hostUnique][port]
	r.mu.Unlock()

	if hostConn == nil {
		r.reply(call, "uua{sv}", status.JoinDispositionUnreachable, uint32(0), map[string]any{})
		return
	}
	if !portBound {
		r.reply(call, "uua{sv}", status.JoinDispositionNoSession, uint32(0), map[string]any{})
		return
	}

	negotiated := bound
	negotiated.TransportMask &= opts.TransportMask

	r.mu.Lock()
	r.nextSession++
	sessionID := r.nextSession
	r.serial++
	acceptSerial := r.serial
	waiter := make(chan *wire.Message, 1)
	r.pending[acceptSerial] = waiter
	r.mu.Unlock()

	accept := wire.NewMethodCall(hostUnique, "/", PeerSessionInterface, "AcceptSession")
	accept.Sender = routerName
	accept.Serial = acceptSerial
	accept.Signature = "qusa{sv}"
	accept.Args = []any{port, sessionID, call.Sender, negotiated.ToMap()}
	if st := hostConn.inbound(accept); st != status.OK {
		r.reply(call, "uua{sv}", status.JoinDispositionUnreachable, uint32(0), map[string]any{})
		return
	}

	acceptReply := <-waiter
	accepted := false
	if acceptReply.Type == wire.MethodReturn && len(acceptReply.Args) == 1 {
		accepted, _ = acceptReply.Args[0].(bool)
	}
	if !accepted {
		r.reply(call, "uua{sv}", status.JoinDispositionRejected, uint32(0), map[string]any{})
		return
	}

	r.mu.Lock()
	r.sessions[sessionID] = &routerSession{
		id:      sessionID,
		host:    hostUnique,
		port:    port,
		opts:    negotiated,
		members: []string{hostUnique, call.Sender},
	}
	r.mu.Unlock()

	r.reply(call, "uua{sv}", status.JoinDispositionSuccess, sessionID, negotiated.ToMap())
	r.signal(hostUnique, ControllerInterface, "SessionJoined", port, sessionID, call.Sender)
	if negotiated.Multipoint {
		for _, member := range []string{hostUnique, call.Sender} {
			r.signal(member, ControllerInterface, "MPSessionChangedWithReason",
				sessionID, call.Sender, true, MemberReasonRemoteAdded)
		}
	}
}

func (r *fakeRouter) leaveSession(requester string, sessionID uint32, method string) uint32 {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return status.LeaveDispositionNoSession
	}
	isHost := session.host == requester
	isMember := false
	for _, member := range session.members {
		if member == requester {
			isMember = true
		}
	}
	switch method {
	case "LeaveHostedSession":
		if !isHost {
			r.mu.Unlock()
			return status.LeaveDispositionNoSession
		}
	case "LeaveJoinedSession":
		if !isMember || isHost {
			r.mu.Unlock()
			return status.LeaveDispositionNoSession
		}
	}
	remaining := session.members[:0]
	for _, member := range session.members {
		if member != requester {
			remaining = append(remaining, member)
		}
	}
	session.members = remaining
	if isHost || len(session.members) == 0 {
		delete(r.sessions, sessionID)
	}
	members := append([]string(nil), session.members...)
	r.mu.Unlock()

	if isHost {
		for _, member := range members {
			r.signal(member, ControllerInterface, "SessionLostWithReasonAndDisposition",
				sessionID, uint32(LostRemoteEndLeft), lostDispositionJoiner)
		}
	}
	return status.LeaveDispositionSuccess
}

func (r *fakeRouter) removeMember(requester string, sessionID uint32, member string) uint32 {
	r.mu.Lock()
	session, exists := r.sessions[sessionID]
	if !exists || session.host != requester {
		r.mu.Unlock()
		return 2
	}
	remaining := session.members[:0]
	for _, existing := range session.members {
		if existing != member {
			remaining = append(remaining, existing)
		}
	}
	session.members = remaining
	r.mu.Unlock()

	r.signal(member, ControllerInterface, "SessionLostWithReasonAndDisposition",
		sessionID, uint32(LostRemovedByBinder), lostDispositionJoiner)
	return 1
}

// clientClosed tears down the client's sessions, delivering
// SessionLost to the survivors.
func (r *fakeRouter) clientClosed(name string) {
	r.mu.Lock()
	delete(r.clients, name)
	for wellKnown, owner := range r.names {
		if owner == name {
			delete(r.names, wellKnown)
		}
	}
	type lost struct {
		sessionID uint32
		member    string
	}
	var notifications []lost
	for sessionID, session := range r.sessions {
		if session.host == name {
			for _, member := range session.members {
				if member != name {
					notifications = append(notifications, lost{sessionID, member})
				}
			}
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	for _, notification := range notifications {
		r.signal(notification.member, ControllerInterface, "SessionLostWithReasonAndDisposition",
			notification.sessionID, uint32(LostRemoteEndClosed), lostDispositionJoiner)
	}
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/meshbus-foundation/meshbus/iface"
	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/lib/guid"
	"github.com/meshbus-foundation/meshbus/lib/testutil"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// testRouter routes messages between endpoints by destination unique
// name, standing in for the external router.
type testRouter struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func newTestRouter() *testRouter {
	return &testRouter{endpoints: make(map[string]*Endpoint)}
}

func (r *testRouter) attach(e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[e.UniqueName()] = e
}

func (r *testRouter) Send(msg *wire.Message) status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.Destination == "" && msg.Type == wire.Signal {
		for _, e := range r.endpoints {
			e.PushMessage(msg)
		}
		return status.OK
	}
	target, ok := r.endpoints[msg.Destination]
	if !ok {
		return status.NoSuchObject
	}
	return target.PushMessage(msg)
}

type violationRecord struct {
	msg *wire.Message
	st  status.Status
}

type recordingSecurity struct {
	violations chan violationRecord
}

func (s *recordingSecurity) HandleSecurityViolation(msg *wire.Message, st status.Status) {
	s.violations <- violationRecord{msg, st}
}

type testPeer struct {
	endpoint *Endpoint
	security *recordingSecurity
}

func newTestPeer(t *testing.T, router *testRouter, fake *clock.FakeClock) *testPeer {
	t.Helper()
	g, err := guid.New()
	if err != nil {
		t.Fatalf("guid.New: %v", err)
	}
	security := &recordingSecurity{violations: make(chan violationRecord, 4)}
	config := Config{
		GUID:     g,
		Sender:   router,
		Security: security,
	}
	if fake != nil {
		config.Clock = fake
	}
	e := New(config)
	if st := e.Start(); st != status.OK {
		t.Fatalf("endpoint start: %v", st)
	}
	t.Cleanup(func() {
		e.Stop()
		e.Join()
	})
	router.attach(e)
	return &testPeer{endpoint: e, security: security}
}

func registerDoor(t *testing.T, peer *testPeer, policy iface.SecurityPolicy, handler MethodHandler) *iface.Interface {
	t.Helper()
	door, st := iface.New("sample.secure.Door")
	if st != status.OK {
		t.Fatalf("iface.New: %v", st)
	}
	door.AddMethod("Open", "", "b")
	door.SetSecurityPolicy(policy)
	door.Activate()

	st = peer.endpoint.RegisterObject(ObjectConfig{
		Path: "/door",
		Interfaces: []ObjectInterface{{
			Interface: door,
			Handlers:  map[string]MethodHandler{"Open": handler},
		}},
	})
	if st != status.OK {
		t.Fatalf("RegisterObject: %v", st)
	}
	return door
}

// Scenario: B calls A's Open; the handler fires once on A and B's
// reply handler receives true with status OK.
func TestSimpleMethodCall(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	handled := make(chan struct{}, 1)
	registerDoor(t, a, iface.Inherit, func(member *iface.Member, msg *wire.Message) {
		handled <- struct{}{}
		a.endpoint.Reply(msg, member.OutSignature, true)
	})

	replies := make(chan replyEvent, 1)
	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.secure.Door", "Open")
	door, _ := iface.New("sample.secure.Door")
	door.AddMethod("Open", "", "b")
	st := b.endpoint.CallMethod(call, door.Member("Open"), func(st status.Status, reply *wire.Message, _ any) {
		replies <- replyEvent{st, reply}
	}, nil, 5*time.Second)
	if st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}

	testutil.RequireReceive(t, handled, 5*time.Second, "handler invocation")
	event := testutil.RequireReceive(t, replies, 5*time.Second, "reply")
	if event.st != status.OK {
		t.Fatalf("reply status = %v", event.st)
	}
	if len(event.reply.Args) != 1 || event.reply.Args[0] != true {
		t.Fatalf("reply args = %v", event.reply.Args)
	}
	select {
	case <-handled:
		t.Fatal("handler fired more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

// Scenario: the handler never replies within the deadline; B gets
// exactly one Bus.Timeout, and A's late reply is discarded.
func TestMethodCallTimeout(t *testing.T) {
	fake := clock.Fake(testEpoch)
	router := newTestRouter()
	a := newTestPeer(t, router, fake)
	b := newTestPeer(t, router, fake)

	pending := make(chan *wire.Message, 1)
	registerDoor(t, a, iface.Inherit, func(_ *iface.Member, msg *wire.Message) {
		// Park the call; the reply comes after B's deadline.
		pending <- msg
	})

	replies := make(chan replyEvent, 2)
	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.secure.Door", "Open")
	st := b.endpoint.CallMethod(call, nil, func(st status.Status, reply *wire.Message, _ any) {
		replies <- replyEvent{st, reply}
	}, nil, 100*time.Millisecond)
	if st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}

	parked := testutil.RequireReceive(t, pending, 5*time.Second, "handler parked the call")
	fake.Advance(100 * time.Millisecond)

	event := testutil.RequireReceive(t, replies, 5*time.Second, "timeout reply")
	if event.st != status.Timeout {
		t.Fatalf("status = %v, want Timeout", event.st)
	}
	if event.reply.ErrorName != status.ErrorTimeout {
		t.Fatalf("error name = %q", event.reply.ErrorName)
	}

	// A's late reply reaches B but matches no context.
	a.endpoint.Reply(parked, "b", true)
	select {
	case extra := <-replies:
		t.Fatalf("late reply delivered: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario: policy=required and an unencrypted call. A's handler is
// not invoked; B receives a SecurityViolation error; A's peer
// security sub-object records the event.
func TestEncryptionRequired(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	handled := make(chan struct{}, 1)
	registerDoor(t, a, iface.Required, func(member *iface.Member, msg *wire.Message) {
		handled <- struct{}{}
		a.endpoint.Reply(msg, member.OutSignature, true)
	})

	replies := make(chan replyEvent, 1)
	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.secure.Door", "Open")
	st := b.endpoint.CallMethod(call, nil, func(st status.Status, reply *wire.Message, _ any) {
		replies <- replyEvent{st, reply}
	}, nil, 5*time.Second)
	if st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}

	event := testutil.RequireReceive(t, replies, 5*time.Second, "violation reply")
	if event.reply.ErrorName != status.ErrorSecurityViolation {
		t.Fatalf("error name = %q, want %q", event.reply.ErrorName, status.ErrorSecurityViolation)
	}
	violation := testutil.RequireReceive(t, a.security.violations, 5*time.Second, "violation report")
	if violation.st != status.NotEncrypted {
		t.Fatalf("violation status = %v, want NotEncrypted", violation.st)
	}
	select {
	case <-handled:
		t.Fatal("handler invoked despite missing encryption")
	case <-time.After(50 * time.Millisecond):
	}
}

// A secure object enforces encryption for Inherit-policy interfaces
// but not for Off-policy ones.
func TestSecureObjectPolicyInteraction(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	offIface, _ := iface.New("sample.open.Status")
	offIface.AddMethod("Query", "", "s")
	offIface.SetSecurityPolicy(iface.Off)
	offIface.Activate()

	inheritIface, _ := iface.New("sample.secure.Door")
	inheritIface.AddMethod("Open", "", "b")
	inheritIface.Activate()

	handled := make(chan string, 2)
	st := a.endpoint.RegisterObject(ObjectConfig{
		Path:   "/door",
		Secure: true,
		Interfaces: []ObjectInterface{
			{
				Interface: offIface,
				Handlers: map[string]MethodHandler{"Query": func(member *iface.Member, msg *wire.Message) {
					handled <- "Query"
					a.endpoint.Reply(msg, member.OutSignature, "open")
				}},
			},
			{
				Interface: inheritIface,
				Handlers: map[string]MethodHandler{"Open": func(member *iface.Member, msg *wire.Message) {
					handled <- "Open"
					a.endpoint.Reply(msg, member.OutSignature, true)
				}},
			},
		},
	})
	if st != status.OK {
		t.Fatalf("RegisterObject: %v", st)
	}

	replies := make(chan replyEvent, 2)
	collect := func(st status.Status, reply *wire.Message, _ any) {
		replies <- replyEvent{st, reply}
	}

	// Off-policy interface on a secure object: clear call passes.
	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.open.Status", "Query")
	if st := b.endpoint.CallMethod(call, nil, collect, nil, 5*time.Second); st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}
	if got := testutil.RequireReceive(t, handled, 5*time.Second, "off-policy handler"); got != "Query" {
		t.Fatalf("handled %q", got)
	}
	testutil.RequireReceive(t, replies, 5*time.Second, "off-policy reply")

	// Inherit-policy interface on a secure object: clear call fails.
	call = wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.secure.Door", "Open")
	if st := b.endpoint.CallMethod(call, nil, collect, nil, 5*time.Second); st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}
	event := testutil.RequireReceive(t, replies, 5*time.Second, "inherit-policy reply")
	if event.reply.ErrorName != status.ErrorSecurityViolation {
		t.Fatalf("error name = %q", event.reply.ErrorName)
	}
}

func TestPeerInterface(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	replies := make(chan replyEvent, 2)
	collect := func(st status.Status, reply *wire.Message, _ any) {
		replies <- replyEvent{st, reply}
	}

	ping := wire.NewMethodCall(a.endpoint.UniqueName(), "/", PeerInterface, PeerPing)
	if st := b.endpoint.CallMethod(ping, nil, collect, nil, 5*time.Second); st != status.OK {
		t.Fatalf("CallMethod(Ping): %v", st)
	}
	event := testutil.RequireReceive(t, replies, 5*time.Second, "ping reply")
	if event.st != status.OK || len(event.reply.Args) != 0 {
		t.Fatalf("ping reply = %+v", event)
	}

	machineID := wire.NewMethodCall(a.endpoint.UniqueName(), "/", PeerInterface, PeerGetMachineID)
	if st := b.endpoint.CallMethod(machineID, nil, collect, nil, 5*time.Second); st != status.OK {
		t.Fatalf("CallMethod(GetMachineId): %v", st)
	}
	event = testutil.RequireReceive(t, replies, 5*time.Second, "machine id reply")
	if event.st != status.OK {
		t.Fatalf("machine id status = %v", event.st)
	}
	if len(event.reply.Args) != 1 || event.reply.Args[0] != a.endpoint.GUID().String() {
		t.Fatalf("machine id args = %v", event.reply.Args)
	}
}

func TestUnknownObjectReturnsServiceUnknown(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	replies := make(chan replyEvent, 1)
	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/missing", "a.b", "C")
	st := b.endpoint.CallMethod(call, nil, func(st status.Status, reply *wire.Message, _ any) {
		replies <- replyEvent{st, reply}
	}, nil, 5*time.Second)
	if st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}
	event := testutil.RequireReceive(t, replies, 5*time.Second, "error reply")
	if event.reply.ErrorName != status.ErrorServiceUnknown {
		t.Fatalf("error name = %q, want %q", event.reply.ErrorName, status.ErrorServiceUnknown)
	}
}

// A no-reply-expected call to a missing member is dropped silently.
func TestNoReplyExpectedSilentDrop(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/missing", "a.b", "C")
	call.Flags |= wire.FlagNoReplyExpected
	if st := b.endpoint.CallMethod(call, nil, nil, nil, 5*time.Second); st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}
	// Nothing to assert beyond the absence of a crash and of a
	// reply; give the dispatcher a moment.
	time.Sleep(50 * time.Millisecond)
}

// Unregister blocks until the in-flight handler returns, and no
// handler runs after it returns.
func TestUnregisterQuiescence(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	handled := make(chan struct{}, 4)
	registerDoor(t, a, iface.Inherit, func(member *iface.Member, msg *wire.Message) {
		handled <- struct{}{}
		close(entered)
		<-release
		a.endpoint.Reply(msg, member.OutSignature, true)
	})

	call := wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.secure.Door", "Open")
	call.Flags |= wire.FlagNoReplyExpected
	if st := b.endpoint.CallMethod(call, nil, nil, nil, 5*time.Second); st != status.OK {
		t.Fatalf("CallMethod: %v", st)
	}
	testutil.RequireClosed(t, entered, 5*time.Second, "handler entered")

	unregistered := make(chan status.Status, 1)
	go func() { unregistered <- a.endpoint.UnregisterObject("/door") }()

	select {
	case st := <-unregistered:
		t.Fatalf("UnregisterObject returned %v while a handler was in flight", st)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	if st := testutil.RequireReceive(t, unregistered, 5*time.Second, "unregister"); st != status.OK {
		t.Fatalf("UnregisterObject: %v", st)
	}

	// Calls after unregister never reach the handler.
	late := wire.NewMethodCall(a.endpoint.UniqueName(), "/door", "sample.secure.Door", "Open")
	late.Flags |= wire.FlagNoReplyExpected
	b.endpoint.CallMethod(late, nil, nil, nil, 5*time.Second)
	select {
	case <-handled:
		// First receive drains the original invocation.
		select {
		case <-handled:
			t.Fatal("handler ran after UnregisterObject returned")
		case <-time.After(100 * time.Millisecond):
		}
	case <-time.After(5 * time.Second):
		t.Fatal("original invocation not recorded")
	}
}

func TestSignalDelivery(t *testing.T) {
	router := newTestRouter()
	a := newTestPeer(t, router, nil)
	b := newTestPeer(t, router, nil)

	door, _ := iface.New("sample.secure.Door")
	door.AddSignal("StateChanged", "b")
	door.Activate()

	received := make(chan *wire.Message, 1)
	_, st := b.endpoint.RegisterSignalHandler(door, "StateChanged", func(_ *iface.Member, msg *wire.Message) {
		received <- msg
	}, wire.MatchRule{})
	if st != status.OK {
		t.Fatalf("RegisterSignalHandler: %v", st)
	}

	signal := wire.NewSignal("/door", "sample.secure.Door", "StateChanged")
	signal.Signature = "b"
	signal.Args = []any{true}
	if st := a.endpoint.SendSignal(signal); st != status.OK {
		t.Fatalf("SendSignal: %v", st)
	}

	msg := testutil.RequireReceive(t, received, 5*time.Second, "signal")
	if len(msg.Args) != 1 || msg.Args[0] != true {
		t.Fatalf("signal args = %v", msg.Args)
	}
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"testing"
	"time"

	"github.com/meshbus-foundation/meshbus/dispatch"
	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/lib/testutil"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type replyEvent struct {
	st    status.Status
	reply *wire.Message
}

func newRegistry(t *testing.T, fake *clock.FakeClock) (*ReplyRegistry, *dispatch.Queue) {
	t.Helper()
	queue := dispatch.NewQueue(dispatch.Config{Concurrency: 1})
	if st := queue.Start(); st != status.OK {
		t.Fatalf("queue start: %v", st)
	}
	t.Cleanup(func() {
		queue.Stop()
		queue.Join()
	})
	alarms := dispatch.NewAlarmQueue(fake)
	t.Cleanup(alarms.Stop)
	return NewReplyRegistry(queue, alarms, nil), queue
}

func registerCall(t *testing.T, registry *ReplyRegistry, serial uint32, timeout time.Duration) chan replyEvent {
	t.Helper()
	events := make(chan replyEvent, 4)
	call := wire.NewMethodCall(":1.9", "/door", "sample.secure.Door", "Open")
	call.Serial = serial
	registry.Register(call, nil, func(st status.Status, reply *wire.Message, _ any) {
		events <- replyEvent{st, reply}
	}, nil, timeout)
	return events
}

// At most one completion per context: after the deadline fires, a
// late wire reply is dropped.
func TestTimeoutThenLateReplyDropped(t *testing.T) {
	fake := clock.Fake(testEpoch)
	registry, _ := newRegistry(t, fake)
	events := registerCall(t, registry, 7, 100*time.Millisecond)

	fake.Advance(100 * time.Millisecond)
	event := testutil.RequireReceive(t, events, 5*time.Second, "timeout delivery")
	if event.st != status.Timeout {
		t.Fatalf("status = %v, want Timeout", event.st)
	}
	if event.reply.Type != wire.Error || event.reply.ErrorName != status.ErrorTimeout {
		t.Fatalf("synthetic reply = %+v", event.reply)
	}
	if event.reply.ReplySerial != 7 {
		t.Fatalf("reply serial = %d", event.reply.ReplySerial)
	}

	// The context is gone; a late reply finds nothing.
	if registry.take(7) != nil {
		t.Fatal("context survived timeout")
	}
	if registry.Outstanding() != 0 {
		t.Fatalf("Outstanding = %d", registry.Outstanding())
	}
	select {
	case extra := <-events:
		t.Fatalf("second completion delivered: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterCancelsDeadline(t *testing.T) {
	fake := clock.Fake(testEpoch)
	registry, _ := newRegistry(t, fake)
	events := registerCall(t, registry, 3, time.Second)

	if !registry.Unregister(3) {
		t.Fatal("Unregister returned false for a live context")
	}
	if registry.Unregister(3) {
		t.Fatal("second Unregister returned true")
	}
	fake.Advance(2 * time.Second)
	select {
	case event := <-events:
		t.Fatalf("handler fired after unregister: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPauseResume(t *testing.T) {
	fake := clock.Fake(testEpoch)
	registry, _ := newRegistry(t, fake)
	events := registerCall(t, registry, 5, time.Second)

	if !registry.Pause(5) {
		t.Fatal("Pause returned false")
	}
	// The auth round-trip takes arbitrarily long without expiring
	// the call.
	fake.Advance(time.Minute)
	select {
	case <-events:
		t.Fatal("paused deadline fired")
	case <-time.After(50 * time.Millisecond):
	}

	if !registry.Resume(5) {
		t.Fatal("Resume returned false")
	}
	fake.Advance(time.Second)
	event := testutil.RequireReceive(t, events, 5*time.Second, "post-resume timeout")
	if event.st != status.Timeout {
		t.Fatalf("status = %v", event.st)
	}
}

// Re-serialization atomically rekeys; the old serial no longer
// resolves and the deadline survives.
func TestReserialize(t *testing.T) {
	fake := clock.Fake(testEpoch)
	registry, _ := newRegistry(t, fake)
	events := registerCall(t, registry, 11, time.Second)

	if !registry.Reserialize(11, 42) {
		t.Fatal("Reserialize returned false")
	}
	if registry.Reserialize(11, 43) {
		t.Fatal("Reserialize of stale serial returned true")
	}
	if ctx := registry.take(42); ctx == nil || ctx.serial != 42 {
		t.Fatalf("context under new serial = %+v", ctx)
	}
	// Taken: the deadline must not deliver.
	fake.Advance(2 * time.Second)
	select {
	case event := <-events:
		t.Fatalf("deadline fired after take: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// Stopping the alarm queue surfaces Bus.Exiting on pending calls.
func TestStopDeliversExiting(t *testing.T) {
	fake := clock.Fake(testEpoch)
	queue := dispatch.NewQueue(dispatch.Config{Concurrency: 1})
	if st := queue.Start(); st != status.OK {
		t.Fatalf("queue start: %v", st)
	}
	t.Cleanup(func() {
		queue.Stop()
		queue.Join()
	})
	alarms := dispatch.NewAlarmQueue(fake)
	registry := NewReplyRegistry(queue, alarms, nil)
	events := registerCall(t, registry, 9, time.Minute)

	alarms.Stop()
	event := testutil.RequireReceive(t, events, 5*time.Second, "exiting delivery")
	if event.st != status.Stopping {
		t.Fatalf("status = %v, want Stopping", event.st)
	}
	if event.reply.ErrorName != status.ErrorExiting {
		t.Fatalf("error name = %q, want %q", event.reply.ErrorName, status.ErrorExiting)
	}
}

// When the dispatcher refuses the synthetic reply, the handler runs
// inline rather than being lost.
func TestTimeoutInlineWhenQueueStopped(t *testing.T) {
	fake := clock.Fake(testEpoch)
	queue := dispatch.NewQueue(dispatch.Config{Concurrency: 1})
	if st := queue.Start(); st != status.OK {
		t.Fatalf("queue start: %v", st)
	}
	alarms := dispatch.NewAlarmQueue(fake)
	registry := NewReplyRegistry(queue, alarms, nil)
	events := registerCall(t, registry, 13, time.Second)

	queue.Stop()
	queue.Join()

	fake.Advance(time.Second)
	event := testutil.RequireReceive(t, events, 5*time.Second, "inline delivery")
	if event.st != status.Timeout {
		t.Fatalf("status = %v", event.st)
	}
	alarms.Stop()
}

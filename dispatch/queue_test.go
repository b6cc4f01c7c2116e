// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/meshbus-foundation/meshbus/lib/testutil"
	"github.com/meshbus-foundation/meshbus/status"
)

func startQueue(t *testing.T, config Config) *Queue {
	t.Helper()
	q := NewQueue(config)
	if got := q.Start(); got != status.OK {
		t.Fatalf("Start: %v", got)
	}
	t.Cleanup(func() {
		q.Stop()
		q.Join()
	})
	return q
}

func TestEnqueueDelivers(t *testing.T) {
	q := startQueue(t, Config{})
	done := make(chan struct{})
	if got := q.Enqueue(func() { close(done) }, true); got != status.OK {
		t.Fatalf("Enqueue: %v", got)
	}
	testutil.RequireClosed(t, done, 5*time.Second, "delivery")
}

func TestSingleWorkerPreservesInsertionOrder(t *testing.T) {
	q := startQueue(t, Config{Concurrency: 1})

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		i := i
		q.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 20 {
				close(done)
			}
			mu.Unlock()
		}, false)
	}
	testutil.RequireClosed(t, done, 5*time.Second, "all items")
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d; full order %v", i, got, order)
		}
	}
}

func TestDoubleStartFails(t *testing.T) {
	q := startQueue(t, Config{})
	if got := q.Start(); got != status.AlreadyStarted {
		t.Fatalf("second Start = %v, want AlreadyStarted", got)
	}
}

func TestEnqueueAfterStopReturnsStopping(t *testing.T) {
	q := NewQueue(Config{})
	if got := q.Start(); got != status.OK {
		t.Fatalf("Start: %v", got)
	}
	q.Stop()
	q.Join()
	if got := q.Enqueue(func() {}, true); got != status.Stopping {
		t.Fatalf("Enqueue after stop = %v, want Stopping", got)
	}
}

func TestStopDrainsOutstandingItems(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1})
	if got := q.Start(); got != status.OK {
		t.Fatalf("Start: %v", got)
	}

	release := make(chan struct{})
	var delivered sync.WaitGroup
	delivered.Add(3)
	q.Enqueue(func() { <-release; delivered.Done() }, false)
	q.Enqueue(func() { delivered.Done() }, false)
	q.Enqueue(func() { delivered.Done() }, false)

	q.Stop()
	close(release)
	q.Join()

	finished := make(chan struct{})
	go func() { delivered.Wait(); close(finished) }()
	testutil.RequireClosed(t, finished, 5*time.Second, "drain")
}

// Limitable items block at the max-in-flight bound; local items
// bypass it.
func TestLimitableBackpressure(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1, MaxInFlight: 2})
	if got := q.Start(); got != status.OK {
		t.Fatalf("Start: %v", got)
	}
	defer func() {
		q.Stop()
		q.Join()
	}()

	release := make(chan struct{})
	// Occupy the single worker so nothing drains.
	q.Enqueue(func() { <-release }, false)
	// Fill the limitable budget.
	q.Enqueue(func() {}, true)
	q.Enqueue(func() {}, true)

	blocked := make(chan status.Status, 1)
	go func() { blocked <- q.Enqueue(func() {}, true) }()

	select {
	case got := <-blocked:
		t.Fatalf("limitable enqueue did not block at the bound (returned %v)", got)
	case <-time.After(50 * time.Millisecond):
	}

	// A local item still goes through.
	local := make(chan struct{})
	if got := q.Enqueue(func() { close(local) }, false); got != status.OK {
		t.Fatalf("local enqueue at full bound = %v", got)
	}

	close(release)
	if got := testutil.RequireReceive(t, blocked, 5*time.Second, "blocked enqueue"); got != status.OK {
		t.Fatalf("blocked enqueue resolved to %v", got)
	}
	testutil.RequireClosed(t, local, 5*time.Second, "local delivery")
}

func TestPendingWorkOrderAndRearm(t *testing.T) {
	var mu sync.Mutex
	var order []string
	serviced := make(chan struct{}, 8)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			serviced <- struct{}{}
		}
	}
	q := startQueue(t, Config{Concurrency: 1, PendingWork: PendingWorkHandlers{
		ObserverWork:         record("observer"),
		CachedPropertyReply:  record("cached"),
		RegistrationCallback: record("registration"),
	}})

	// Arm the categories in reverse of their service order.
	q.ArmRegistrationCallback()
	q.ArmCachedPropertyReply()
	q.ArmObserverWork()

	for i := 0; i < 3; i++ {
		testutil.RequireReceive(t, serviced, 5*time.Second, "category %d", i)
	}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 3 || got[0] != "observer" || got[1] != "cached" || got[2] != "registration" {
		t.Fatalf("service order = %v, want [observer cached registration]", got)
	}

	// Re-arming after service runs the category again.
	q.ArmCachedPropertyReply()
	testutil.RequireReceive(t, serviced, 5*time.Second, "re-armed category")
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	q := startQueue(t, Config{Concurrency: 1})
	q.Enqueue(func() { panic("handler bug") }, false)
	done := make(chan struct{})
	q.Enqueue(func() { close(done) }, false)
	testutil.RequireClosed(t, done, 5*time.Second, "delivery after panic")
}

func TestReentrancy(t *testing.T) {
	q := startQueue(t, Config{Concurrency: 1})

	if q.IsReentrantCall() {
		t.Fatal("IsReentrantCall true outside a callback")
	}
	if got := q.CheckBlockingCall(); got != status.OK {
		t.Fatalf("CheckBlockingCall outside callback = %v", got)
	}

	type result struct {
		reentrant     bool
		blockedBefore status.Status
		blockedAfter  status.Status
	}
	results := make(chan result, 1)
	q.Enqueue(func() {
		r := result{
			reentrant:     q.IsReentrantCall(),
			blockedBefore: q.CheckBlockingCall(),
		}
		q.EnableConcurrentCallbacks()
		r.blockedAfter = q.CheckBlockingCall()
		results <- r
	}, false)

	r := testutil.RequireReceive(t, results, 5*time.Second, "callback result")
	if !r.reentrant {
		t.Fatal("IsReentrantCall false inside a callback")
	}
	if r.blockedBefore != status.BlockingCallNotAllowed {
		t.Fatalf("CheckBlockingCall inside callback = %v, want BlockingCallNotAllowed", r.blockedBefore)
	}
	if r.blockedAfter != status.OK {
		t.Fatalf("CheckBlockingCall after EnableConcurrentCallbacks = %v, want OK", r.blockedAfter)
	}

	// The release lasts only for that invocation.
	after := make(chan status.Status, 1)
	q.Enqueue(func() { after <- q.CheckBlockingCall() }, false)
	if got := testutil.RequireReceive(t, after, 5*time.Second, "next callback"); got != status.BlockingCallNotAllowed {
		t.Fatalf("guard not restored for next invocation: %v", got)
	}
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"log/slog"
	"sync"

	"github.com/meshbus-foundation/meshbus/status"
)

// DefaultConcurrency is the default number of workers delivering
// application callbacks.
const DefaultConcurrency = 4

// DefaultMaxInFlight bounds queued limitable items. Items whose
// sender is the local attachment bypass the bound so a handler that
// sends to itself cannot deadlock the queue.
const DefaultMaxInFlight = 64

// Config configures a Queue.
type Config struct {
	// Concurrency is the worker count. Zero means
	// DefaultConcurrency.
	Concurrency int

	// MaxInFlight bounds queued limitable items. Zero means
	// DefaultMaxInFlight.
	MaxInFlight int

	// Logger receives drop diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// PendingWork receives the deferred-work callbacks serviced by
	// the pending-work sentinel. Unset categories are skipped.
	PendingWork PendingWorkHandlers
}

// PendingWorkHandlers are the three categories of deferred work the
// sentinel services, in this fixed order.
type PendingWorkHandlers struct {
	ObserverWork         func()
	CachedPropertyReply  func()
	RegistrationCallback func()
}

// queueItem is one unit of work: either a message delivery closure or
// the pending-work sentinel.
type queueItem struct {
	deliver   func()
	sentinel  bool
	limitable bool
}

// Queue is the bounded, ordered work pipeline that delivers inbound
// messages and deferred callbacks to user code. Items are serviced in
// insertion order by a fixed set of workers; with more than one
// worker, handlers from distinct items may run in parallel but no
// item is picked up before all earlier items have been picked up.
type Queue struct {
	concurrency int
	maxInFlight int
	logger      *slog.Logger
	pending     PendingWorkHandlers

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []queueItem
	stopping bool
	started  bool

	// limitable counts queued limitable items against maxInFlight.
	limitable int

	// sentinelQueued dedupes the pending-work sentinel: arming a
	// category while the sentinel is already queued only sets the
	// flag.
	sentinelQueued bool
	observerWork   bool
	cachedProps    bool
	registration   bool

	workers sync.WaitGroup

	reentrancy callTracker
}

// NewQueue builds a Queue; call Start to spawn workers.
func NewQueue(config Config) *Queue {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultMaxInFlight
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	q := &Queue{
		concurrency: config.Concurrency,
		maxInFlight: config.MaxInFlight,
		logger:      config.Logger,
		pending:     config.PendingWork,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Start spawns the workers. Starting twice fails with
// AlreadyStarted.
func (q *Queue) Start() status.Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return status.AlreadyStarted
	}
	q.started = true
	q.stopping = false
	for i := 0; i < q.concurrency; i++ {
		q.workers.Add(1)
		go q.work()
	}
	return status.OK
}

// Enqueue inserts a message-delivery closure. Limitable items (sender
// differs from the local unique name) block while the limitable
// backlog is at MaxInFlight; locally-originated items bypass the
// bound. Returns Stopping once Stop has been called.
func (q *Queue) Enqueue(deliver func(), limitable bool) status.Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limitable {
		for q.limitable >= q.maxInFlight && !q.stopping {
			q.notFull.Wait()
		}
	}
	if q.stopping {
		return status.Stopping
	}
	if limitable {
		q.limitable++
	}
	q.items = append(q.items, queueItem{deliver: deliver, limitable: limitable})
	q.notEmpty.Signal()
	return status.OK
}

// ArmObserverWork arms the observer-manager category of the
// pending-work sentinel. Never blocks.
func (q *Queue) ArmObserverWork() { q.arm(&q.observerWork) }

// ArmCachedPropertyReply arms the cached-property-reply category.
// Never blocks.
func (q *Queue) ArmCachedPropertyReply() { q.arm(&q.cachedProps) }

// ArmRegistrationCallback arms the registration-callback category.
// Never blocks.
func (q *Queue) ArmRegistrationCallback() { q.arm(&q.registration) }

func (q *Queue) arm(flag *bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	*flag = true
	if q.sentinelQueued || q.stopping {
		return
	}
	q.sentinelQueued = true
	q.items = append(q.items, queueItem{sentinel: true})
	q.notEmpty.Signal()
}

// Stop refuses new items and wakes everything blocked on the queue.
// Outstanding items are drained by the workers; Join waits for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopping = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Join blocks until all workers have drained the queue and exited.
// Call after Stop.
func (q *Queue) Join() {
	q.workers.Wait()
	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
}

func (q *Queue) work() {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.notEmpty.Wait()
		}
		if len(q.items) == 0 {
			// Stopping with nothing left to drain.
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		if item.limitable {
			q.limitable--
			q.notFull.Signal()
		}
		q.mu.Unlock()

		if item.sentinel {
			q.servicePendingWork()
			continue
		}
		q.invoke(item.deliver)
	}
}

// invoke runs one delivery closure under the reentrancy guard. A
// panic in user code is logged and the item dropped; one handler
// never takes down another.
func (q *Queue) invoke(deliver func()) {
	token := q.reentrancy.enter()
	defer q.reentrancy.exit(token)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch: handler panicked, message dropped", "panic", r)
		}
	}()
	deliver()
}

// servicePendingWork performs the three deferred-work categories in
// fixed order: observer work, cached-property replies, registration
// callbacks. Flags are re-read under lock each turn so work armed
// while servicing is picked up before the sentinel retires.
func (q *Queue) servicePendingWork() {
	for {
		q.mu.Lock()
		observer, cached, registration := q.observerWork, q.cachedProps, q.registration
		q.observerWork, q.cachedProps, q.registration = false, false, false
		if !observer && !cached && !registration {
			q.sentinelQueued = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if observer && q.pending.ObserverWork != nil {
			q.invoke(q.pending.ObserverWork)
		}
		if cached && q.pending.CachedPropertyReply != nil {
			q.invoke(q.pending.CachedPropertyReply)
		}
		if registration && q.pending.RegistrationCallback != nil {
			q.invoke(q.pending.RegistrationCallback)
		}
	}
}

// IsReentrantCall reports whether the calling goroutine is currently
// inside a dispatcher-delivered callback.
func (q *Queue) IsReentrantCall() bool {
	return q.reentrancy.inside()
}

// EnableConcurrentCallbacks releases the reentrancy guard for the
// remainder of the current callback invocation, permitting blocking
// calls back into the bus. Outside a callback it is a no-op.
func (q *Queue) EnableConcurrentCallbacks() {
	q.reentrancy.release()
}

// CheckBlockingCall gates the blocking synchronous APIs: inside a
// dispatcher callback that has not called EnableConcurrentCallbacks
// it returns BlockingCallNotAllowed, otherwise OK.
func (q *Queue) CheckBlockingCall() status.Status {
	if q.reentrancy.blocked() {
		return status.BlockingCallNotAllowed
	}
	return status.OK
}

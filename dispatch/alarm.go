// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"sync"
	"time"

	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/status"
)

// AlarmQueue schedules the runtime's deadline alarms: reply-call
// timeouts and join-session deadlines. Each alarm fires once with
// reason OK at its deadline, or with reason TimerExiting when the
// queue stops first.
type AlarmQueue struct {
	clock clock.Clock

	mu      sync.Mutex
	alarms  map[*Alarm]struct{}
	stopped bool
}

// Alarm is one pending deadline. Cancel, Pause, and Resume are safe
// to call from any goroutine, including from the alarm's own
// callback.
type Alarm struct {
	queue    *AlarmQueue
	fn       func(status.Status)
	timer    *clock.Timer
	deadline time.Time

	mu        sync.Mutex
	fired     bool
	cancelled bool
	paused    bool
	remaining time.Duration
}

// NewAlarmQueue builds an AlarmQueue on the given clock.
func NewAlarmQueue(clk clock.Clock) *AlarmQueue {
	return &AlarmQueue{
		clock:  clk,
		alarms: make(map[*Alarm]struct{}),
	}
}

// Add schedules fn to fire after d. When the queue is already
// stopped, fn fires immediately with TimerExiting.
func (q *AlarmQueue) Add(d time.Duration, fn func(status.Status)) *Alarm {
	alarm := &Alarm{queue: q, fn: fn}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		fn(status.TimerExiting)
		alarm.fired = true
		return alarm
	}
	q.alarms[alarm] = struct{}{}
	q.mu.Unlock()

	alarm.deadline = q.clock.Now().Add(d)
	alarm.timer = q.clock.AfterFunc(d, func() { alarm.fire(status.OK) })
	return alarm
}

// Stop fires every pending alarm with TimerExiting and refuses new
// alarms. Callbacks run synchronously in the calling goroutine.
func (q *AlarmQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	pending := make([]*Alarm, 0, len(q.alarms))
	for alarm := range q.alarms {
		pending = append(pending, alarm)
	}
	q.mu.Unlock()

	for _, alarm := range pending {
		if alarm.timer != nil {
			alarm.timer.Stop()
		}
		alarm.fire(status.TimerExiting)
	}
}

// Restart re-arms a stopped queue so alarms can be scheduled again,
// used when an attachment starts afresh after a full stop/join
// cycle.
func (q *AlarmQueue) Restart() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = false
}

// Pending returns the number of armed alarms.
func (q *AlarmQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.alarms)
}

func (a *Alarm) fire(reason status.Status) {
	a.mu.Lock()
	if a.fired || a.cancelled || a.paused {
		// A paused alarm's timer was stopped; a racing fire from
		// the clock must not slip through.
		a.mu.Unlock()
		return
	}
	a.fired = true
	a.mu.Unlock()

	a.queue.remove(a)
	a.fn(reason)
}

// Cancel prevents the alarm from firing. Returns true if the alarm
// was still pending.
func (a *Alarm) Cancel() bool {
	a.mu.Lock()
	wasPending := !a.fired && !a.cancelled
	a.cancelled = true
	a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
	}
	if wasPending {
		a.queue.remove(a)
	}
	return wasPending
}

// Pause suspends the deadline, remembering the remaining time. Used
// while a call waits for an authentication round-trip that must not
// count against its timeout.
func (a *Alarm) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fired || a.cancelled || a.paused {
		return
	}
	a.paused = true
	a.remaining = a.deadline.Sub(a.queue.clock.Now())
	if a.remaining < 0 {
		a.remaining = 0
	}
	if a.timer != nil {
		a.timer.Stop()
	}
}

// Resume re-arms a paused deadline with the remembered remaining
// time.
func (a *Alarm) Resume() {
	a.mu.Lock()
	if a.fired || a.cancelled || !a.paused {
		a.mu.Unlock()
		return
	}
	a.paused = false
	remaining := a.remaining
	a.deadline = a.queue.clock.Now().Add(remaining)
	a.mu.Unlock()

	a.timer = a.queue.clock.AfterFunc(remaining, func() { a.fire(status.OK) })
}

func (q *AlarmQueue) remove(alarm *Alarm) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.alarms, alarm)
}

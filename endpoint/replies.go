// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meshbus-foundation/meshbus/dispatch"
	"github.com/meshbus-foundation/meshbus/iface"
	"github.com/meshbus-foundation/meshbus/status"
	"github.com/meshbus-foundation/meshbus/wire"
)

// ReplyHandler receives the reply to an outbound method call: the
// resolved status (OK for a method return; Timeout or Stopping for a
// synthetic reply; for an error reply, the status that
// status.FromWireName maps its error name to, ReplyIsError for unknown
// names; NotEncrypted or InvalidData when the reply fails the
// encryption or decode check), the reply message (synthetic for
// timeouts), and the caller's context value.
type ReplyHandler func(st status.Status, reply *wire.Message, userContext any)

// replyContext is the bookkeeping record for one outstanding method
// call. Exactly one of reply, timeout, or cancellation is delivered
// per context.
type replyContext struct {
	serial      uint32
	handler     ReplyHandler
	method      *iface.Member
	callFlags   byte
	userContext any
	alarm       *dispatch.Alarm
}

// ReplyRegistry tracks outstanding method calls by outbound serial
// and arms their deadline alarms.
type ReplyRegistry struct {
	queue  *dispatch.Queue
	alarms *dispatch.AlarmQueue
	logger *slog.Logger

	mu       sync.Mutex
	contexts map[uint32]*replyContext
}

// NewReplyRegistry builds a registry whose synthetic timeout replies
// are delivered through queue.
func NewReplyRegistry(queue *dispatch.Queue, alarms *dispatch.AlarmQueue, logger *slog.Logger) *ReplyRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyRegistry{
		queue:    queue,
		alarms:   alarms,
		logger:   logger,
		contexts: make(map[uint32]*replyContext),
	}
}

// Register inserts a context for call (which must already carry its
// serial) and arms the deadline alarm. On expiry a synthetic error
// reply (Bus.Timeout normally, Bus.Exiting when the alarm queue is
// stopping) is resubmitted through the dispatcher so the handler
// runs on a dispatcher worker; if resubmission fails the handler is
// invoked inline.
func (r *ReplyRegistry) Register(call *wire.Message, method *iface.Member, handler ReplyHandler, userContext any, timeout time.Duration) {
	ctx := &replyContext{
		serial:      call.Serial,
		handler:     handler,
		method:      method,
		callFlags:   call.Flags,
		userContext: userContext,
	}

	r.mu.Lock()
	r.contexts[call.Serial] = ctx
	r.mu.Unlock()

	ctx.alarm = r.alarms.Add(timeout, func(reason status.Status) {
		r.expire(ctx, reason)
	})
}

// Unregister removes the context for serial and cancels its alarm.
// Returns whether an entry existed.
func (r *ReplyRegistry) Unregister(serial uint32) bool {
	ctx := r.take(serial)
	if ctx == nil {
		return false
	}
	if ctx.alarm != nil {
		ctx.alarm.Cancel()
	}
	return true
}

// Pause suspends the deadline for serial, typically while an
// authentication round-trip runs on the same connection.
func (r *ReplyRegistry) Pause(serial uint32) bool {
	r.mu.Lock()
	ctx := r.contexts[serial]
	r.mu.Unlock()
	if ctx == nil || ctx.alarm == nil {
		return false
	}
	ctx.alarm.Pause()
	return true
}

// Resume re-arms a paused deadline.
func (r *ReplyRegistry) Resume(serial uint32) bool {
	r.mu.Lock()
	ctx := r.contexts[serial]
	r.mu.Unlock()
	if ctx == nil || ctx.alarm == nil {
		return false
	}
	ctx.alarm.Resume()
	return true
}

// Reserialize atomically rekeys the context from oldSerial to
// newSerial when the wire-level serial is regenerated. Returns
// whether the context existed.
func (r *ReplyRegistry) Reserialize(oldSerial, newSerial uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[oldSerial]
	if !ok {
		return false
	}
	delete(r.contexts, oldSerial)
	ctx.serial = newSerial
	r.contexts[newSerial] = ctx
	return true
}

// Outstanding returns the number of registered contexts.
func (r *ReplyRegistry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// take removes and returns the context for serial, or nil.
func (r *ReplyRegistry) take(serial uint32) *replyContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[serial]
	if !ok {
		return nil
	}
	delete(r.contexts, serial)
	return ctx
}

// expire is the deadline alarm body. The context may have completed
// between the alarm firing and this running; take arbitrates so the
// handler sees exactly one completion.
func (r *ReplyRegistry) expire(ctx *replyContext, reason status.Status) {
	if r.take(ctx.serial) == nil {
		return
	}

	st := status.Timeout
	errorName := status.ErrorTimeout
	if reason == status.TimerExiting {
		st = status.Stopping
		errorName = status.ErrorExiting
	}
	synthetic := &wire.Message{
		Type:        wire.Error,
		ErrorName:   errorName,
		ReplySerial: ctx.serial,
	}

	deliver := func() { ctx.handler(st, synthetic, ctx.userContext) }
	if enqueueStatus := r.queue.Enqueue(deliver, false); enqueueStatus != status.OK {
		// Dispatcher already stopping; the caller still gets its
		// exactly-one completion, just on this goroutine.
		deliver()
	}
}

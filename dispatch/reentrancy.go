// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// callTracker records which goroutines are currently inside a
// dispatcher-delivered callback, and whether each has released the
// reentrancy guard with EnableConcurrentCallbacks.
//
// Reentrancy is detected per goroutine so IsReentrantCall reports
// true inside a handler and false elsewhere, matching the per-thread
// discipline of the dispatch contract.
type callTracker struct {
	mu    sync.Mutex
	calls map[uint64]*callState
}

type callState struct {
	// depth handles a handler that synchronously drives another
	// delivery on the same goroutine.
	depth int

	// released is set by EnableConcurrentCallbacks for the
	// remainder of the outermost invocation.
	released bool
}

// enter marks the current goroutine as inside a callback and returns
// its id for the matching exit.
func (t *callTracker) enter() uint64 {
	id := goroutineID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[uint64]*callState)
	}
	state := t.calls[id]
	if state == nil {
		state = &callState{}
		t.calls[id] = state
	}
	state.depth++
	return id
}

// exit unwinds one enter. The released flag clears only when the
// outermost invocation returns.
func (t *callTracker) exit(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.calls[id]
	if state == nil {
		return
	}
	state.depth--
	if state.depth <= 0 {
		delete(t.calls, id)
	}
}

// inside reports whether the calling goroutine is inside a callback.
func (t *callTracker) inside() bool {
	id := goroutineID()
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.calls[id]
	return ok
}

// release marks the current invocation as allowed to block.
func (t *callTracker) release() {
	id := goroutineID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if state := t.calls[id]; state != nil {
		state.released = true
	}
}

// blocked reports whether the calling goroutine is inside a callback
// that has not released the guard.
func (t *callTracker) blocked() bool {
	id := goroutineID()
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.calls[id]
	return state != nil && !state.released
}

// goroutineID parses the current goroutine's id from the stack
// header ("goroutine 123 ["). The runtime offers no public
// identifier; the header format has been stable since Go 1.4 and
// parsing it is confined to this one function.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := buf[:n]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

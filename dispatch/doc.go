// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch provides the bounded, ordered work pipeline that
// delivers inbound messages and deferred callbacks to user code, plus
// the alarm queue behind every call deadline.
//
// The Queue services items in insertion order across a configurable
// worker count. Items carrying messages from remote senders are
// limitable: they respect the max-in-flight bound and exert
// backpressure on the transport. Locally-originated items bypass the
// bound so an application that calls itself cannot deadlock.
//
// A single re-armable sentinel carries three categories of deferred
// work (observer-manager work, cached-property replies, registration
// callbacks) serviced in that fixed order; arming a category is
// non-blocking from any context.
//
// Handlers run under a per-goroutine reentrancy guard: blocking bus
// APIs fail with BlockingCallNotAllowed inside a callback unless the
// handler first calls EnableConcurrentCallbacks.
package dispatch

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the public façade of the runtime: the Attachment.
//
// An Attachment owns a local endpoint (dispatcher, handler tables,
// reply registry, object tree) and layers the bus-facing APIs over
// it: lifecycle (Start, Connect, Stop, Join), interface creation,
// bus object and signal handler registration, well-known name
// ownership, advertising and discovery, sessions (bind, join, leave,
// member management, self-join), listener registries with quiescent
// unregistration, and peer security.
//
// Control-plane operations are DBus-style method calls to the
// routing daemon's fixed bus names; transports that carry them are
// external collaborators registered in the process-wide registry
// (Init/RegisterTransport/Shutdown).
package bus

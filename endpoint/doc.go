// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package endpoint implements the local message endpoint: the
// dispatcher-fed router that carries every inbound message to the
// right application callback.
//
// The endpoint owns four tables. The method table maps (object path,
// interface, member) to handlers and returns snapshot entries that
// survive concurrent unregisters. The signal table is a multimap over
// (interface, member) filtered by match rules; delivery snapshots the
// matching entries under the lock and invokes them outside it. The
// reply registry tracks outstanding method calls by outbound serial,
// arms their deadline alarms, and synthesizes Bus.Timeout or
// Bus.Exiting error replies. The object tree keys objects by path,
// auto-creates placeholder ancestors, and propagates the secure bit.
//
// Inbound messages that require encryption and arrive in the clear
// never reach an application handler: the violation goes to the
// security hook and the caller gets an error reply.
//
// The built-in peer interface (Ping, GetMachineId) is answered
// locally without touching application tables.
package endpoint

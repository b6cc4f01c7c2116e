// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore holds negotiated peer master secrets keyed by
// (scope, GUID) with optional expiration, change listeners, and
// HKDF-SHA256 session-key derivation.
//
// A persistent store is backed by a single binary file owned
// exclusively via an advisory lock: opening a key store another
// attachment holds fails immediately. The format is a stream of
// deterministic CBOR records, each protected by a keyed BLAKE3
// digest.
package keystore

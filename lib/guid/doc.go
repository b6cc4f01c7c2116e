// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package guid provides the 128-bit globally unique identifier that
// names a bus attachment. The full 32-character hex form appears in
// key store records and GetMachineId replies; the 8-character short
// form seeds unique-name minting and peer key exchanges.
//
// GUIDs are either random (New) or derived deterministically from key
// material with domain-keyed BLAKE3 (Derive), so an attachment that
// restarts with the same identity keys keeps its GUID.
package guid

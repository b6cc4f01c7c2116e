// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the runtime's standard CBOR configuration.
//
// Two serialization formats with a clear boundary:
//
//   - The DBus-derived wire format for everything that crosses the
//     bus (handled by the external marshaller behind wire.Marshaller).
//   - CBOR for local persistence: key store record streams and the
//     permission configurator's saved state.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes, so key
// store records can carry stable integrity digests.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the key store's record file):
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
package codec

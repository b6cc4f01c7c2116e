// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire models the DBus-derived message protocol in decoded
// form: message types and header fields (including the session-id
// extension), the type-signature alphabet, naming grammars, and
// signal match rules.
//
// The byte-level marshaller and the session-key cryptography are
// external collaborators consumed through the Marshaller and
// CryptoBox interfaces; nothing in the core touches framing bytes.
package wire

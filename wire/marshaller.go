// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Marshaller is the byte-level argument codec for the DBus-derived
// wire format. It is an external collaborator: the core never touches
// framing bytes itself. Implementations must be safe for concurrent
// use.
//
// Messages that never leave the process (bundled in-process
// transport, synthetic error replies) carry decoded Args and a nil
// Body; the endpoint only invokes the Marshaller when a message
// arrives with Body set and Args empty.
type Marshaller interface {
	// Marshal encodes args according to signature.
	Marshal(signature string, args []any) ([]byte, error)

	// Unmarshal decodes body according to signature.
	Unmarshal(signature string, body []byte) ([]any, error)
}

// CryptoBox encrypts and decrypts message bodies with a peer's
// negotiated session key. The endpoint consults it when the
// Encrypted flag is set on an inbound message.
type CryptoBox interface {
	// Encrypt seals body for the peer identified by its GUID string.
	Encrypt(peerGUID string, body []byte) ([]byte, error)

	// Decrypt opens body from the peer identified by its GUID
	// string.
	Decrypt(peerGUID string, body []byte) ([]byte, error)
}

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package cert implements the X.509 ECDSA-P256 identity certificate
// profile: deterministic DER encoding of the TBS (version 3,
// ecdsa-with-SHA256, two-attribute DNs, basic-constraints extension),
// sign/verify, inclusive validity checks, and PEM wrapping for
// certificates and key material.
//
// Validity times encode as UTCTime through 2049 and GeneralizedTime
// from 2050 on. Decoding is permissive about extensions it does not
// know: they are skipped, not rejected. Encoding is deterministic, so
// a decode/re-encode round trip of a well-formed certificate is
// byte-identical.
package cert

// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the result code shared by every synchronous
// API surface and callback in the runtime, together with the mapping
// between codes and the wire-visible error names and controller
// dispositions.
//
// Status implements error, so codes flow through ordinary error
// plumbing; FromError recovers the code on the far side of a wrap.
package status

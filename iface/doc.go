// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package iface models interface descriptions: named collections of
// method, signal, and property members with per-interface security
// policies. Descriptions are mutable while being built and immutable
// once activated; the local endpoint resolves inbound calls against
// the member signatures recorded here.
package iface

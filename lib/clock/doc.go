// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so the runtime's deadline machinery is
// testable. The alarm queue, reply registry, and session-join paths
// all take a Clock; production wiring passes Real() and tests pass
// Fake(), which stands still until advanced.
package clock

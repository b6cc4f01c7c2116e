// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel-oriented test helpers shared by
// the runtime's package tests. Every blocking channel operation in a
// test goes through RequireReceive/RequireSend/RequireClosed so a
// regression hangs a single assertion instead of the whole test run.
package testutil

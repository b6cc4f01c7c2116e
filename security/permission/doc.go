// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission implements the application's security posture:
// the claim state machine (not-claimable, claimable, claimed,
// need-update), claim capabilities, manifest templates, and the
// CA-signed policy installed during claiming.
//
// The manifest template is what the application is willing to grant;
// the policy is what is actually enforced. Templates are authored on
// disk as JSONC; installed state persists in a bbolt database so a
// claimed application stays claimed across restarts.
package permission

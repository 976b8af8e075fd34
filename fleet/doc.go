// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet owns gearbridge's set of job server connections.
//
// A [Controller] keeps one execution connection per online target
// that has executors, each with its own availability lock, plus one
// administrative connection. It rebuilds connections when targets
// come and go, re-runs every connection's registration cycle when
// job definitions change and on a fixed interval, and applies changes
// to the enabled flag and job server address:
//
//	enabled -> disabled          stop everything
//	disabled -> enabled          probe the address, then start
//	enabled, address changed     stop, probe, start
//
// A failed probe leaves the controller disabled and returns an error
// wrapping [ErrConfigurationRejected].
//
// Controller methods are safe for concurrent use. Mutating operations
// are serialized by the controller's mutex; topology events from the
// scheduler are queued and handled by Run so that a scheduler callback
// never waits on the controller.
package fleet

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for gearbridge
// packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so tests never hang on a missing event. [Eventually]
// polls a condition for state that is observable but not signalled
// (for example a goroutine exiting).
//
// [SocketDir] returns a short directory in /tmp for Unix sockets,
// which are limited to 108-byte paths. [UniqueID] produces
// monotonically increasing identifiers for unique job ids and
// function names.
//
// Helpers call t.Fatalf on failure; setup failures are not
// recoverable.
package testutil

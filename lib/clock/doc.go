// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that wait (worker reconnect backoff, the fleet's periodic
// registration cycle) take a Clock instead of calling the time package.
// Production wiring passes Real(); tests pass Fake() and move time
// explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	connection := worker.NewConnection(worker.Config{Clock: fake, ...})
//	fake.WaitForTimers(1)        // backoff timer registered
//	fake.Advance(2 * time.Second) // reconnect now
package clock

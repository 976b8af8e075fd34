// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package availability implements the per-target lock that prevents
// two gearman jobs from being pinned onto the same execution target at
// once.
//
// The lock is a small compare-and-set rendezvous between two parties:
// the gearman worker that grabs jobs for a target, and the CI
// scheduler that decides whether a queued build may start there. The
// worker locks before grabbing, the dispatch handler announces the
// unique id of the build it schedules with ExpectUUID, and the
// scheduler admits only that build (CanTake) until the handler
// releases the lock after the build has started.
//
// Locking never queues. A second Lock while locked simply keeps the
// target busy; callers that must not double-dispatch check Locked or
// WaitUnlocked before grabbing more work.
package availability

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ci defines the narrow view gearbridge has of a CI build
// scheduler: the execution targets it owns, the job definitions it
// can build, and a way to schedule a build pinned to one target and
// follow it through start and completion.
//
// The bridge never reaches into scheduler internals. Implementations
// live elsewhere: lib/ci/local is a self-contained scheduler that
// runs shell builds, and lib/ci/citest is an in-memory fake for tests.
package ci

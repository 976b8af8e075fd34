// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker maintains gearbridge's job server connections.
//
// A [Connection] owns one broker session bound either to an execution
// target or to the administrative role. It connects, announces its
// identity, advertises its functions, and serves jobs until the
// session fails, then waits a fixed backoff and reconnects. Stop
// interrupts every blocking point: the dial, the serve loop, and the
// backoff wait.
//
// What a connection advertises is computed by a [Registrar] from the
// scheduler's current topology. Each registration cycle compares the
// desired function names against those last pushed and talks to the
// broker only when the key set changed:
//
//   - [ExecutionRegistrar] advertises build:<job> and build:<job>:<tag>
//     for every enabled job the bound target may run.
//   - [ManagementRegistrar] advertises stop:<name> and
//     set_description:<name> on the administrative connection.
//   - [PipelineRegistrar] advertises build:<job> for every enabled
//     pipeline job, regardless of tags.
//
// [Combine] merges registrars so one connection can advertise the
// union.
package worker

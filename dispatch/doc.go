// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch turns gearman jobs into scheduler operations.
//
// [StartJob] handles build:<job> and build:<job>:<tag>. It schedules
// the job pinned to its target, announces the expected unique id on
// the target's availability monitor, releases the monitor once the
// build starts, reports an interim status (a WORK_DATA payload then a
// WORK_STATUS of elapsed over estimated milliseconds), and returns the
// final status payload when the build finishes. When the client asked
// for OFFLINE_NODE_WHEN_COMPLETE, the target is taken offline
// afterwards whatever the outcome, and the monitor stays locked so no
// other job is pinned there in between.
//
// [StopBuild] and [SetDescription] back the administrative
// stop:<name> and set_description:<name> functions.
//
// [Factory] implements worker.Handlers, binding these handlers to
// their collaborators.
package dispatch

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package local is a small CI scheduler that makes gearbridge runnable
// on its own.
//
// Targets and jobs come from a JSONC topology file:
//
//	{
//	  "targets": [
//	    {"name": "node-1", "labels": ["linux", "x86"], "executors": 2},
//	    {"name": "gpu-1", "labels": ["linux", "gpu"], "mode": "exclusive"},
//	  ],
//	  "jobs": [
//	    {"name": "compile", "label": "linux && x86", "command": "make -j8"},
//	    {"name": "release", "pipeline": true, "command": "./release.sh"},
//	  ],
//	}
//
// Builds run as "sh -c <command>" in their own process group, one per
// executor slot, with parameters exported as environment variables.
// Console output is stored zstd-compressed under the log directory and
// build history lives in SQLite. Pipeline jobs run on the built-in
// target without occupying an executor slot, like a flyweight task.
//
// The queue is FIFO. A build pinned to a target waits for that target;
// an unpinned build takes the first free target, by name, whose labels
// satisfy the job's expression. Either way the target's availability
// monitor must admit the build's unique id (see
// [Scheduler.SetAvailability]), which is how a gearman worker holding
// a target keeps unrelated builds off it.
//
// [Scheduler.Watch] reloads the topology when the file changes and
// emits topology events for the differences.
package local

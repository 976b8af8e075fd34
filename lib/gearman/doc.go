// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gearman implements the worker and client halves of the
// Gearman job-server protocol over TCP.
//
// Every packet is a 12-byte header (a 4-byte magic, "\0REQ" for
// requests and "\0RES" for responses, then a big-endian packet type
// and a big-endian payload size) followed by the payload: the packet's
// arguments separated by NUL bytes. The final argument is opaque and
// may itself contain NULs, so decoding splits at most argc-1 times.
//
// [Worker] owns one broker connection. It advertises a set of
// functions, grabs jobs one at a time, and reports progress through
// the [Job] it hands to each [Function]. Before each grab the worker
// consults an availability monitor so that a target already committed
// to a build does not take a second one. [Client] submits a job and
// follows its progress to completion; the command-line tool uses it
// to exercise a running bridge.
package gearman

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper for the gearbridge
// binary: reporting a fatal error from run() to stderr before the
// structured logger exists, and exiting with the right status.
package process

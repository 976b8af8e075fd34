// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the gearbridge binary.
//
// Three package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//
// [Version] is set by hand for releases. Without injection the values
// are "unknown" and "0.1.0-dev", which is what tests and go run see.
//
//	go build -ldflags "-X github.com/bureau-foundation/gearbridge/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

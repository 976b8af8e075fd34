// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns "0.1.0-dev (abc1234-dirty, 2026-03-01T12:00:00Z)".
func Info() string {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, BuildTime)
}

// Full is Info followed by the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes "program Full()" to stdout.
func Print(program string) {
	Fprint(os.Stdout, program)
}

// Fprint writes "program Full()" to w.
func Fprint(w io.Writer, program string) {
	fmt.Fprintf(w, "%s %s\n", program, Full())
}

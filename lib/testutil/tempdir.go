// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// SocketDir creates a short-named temporary directory in /tmp for Unix
// domain sockets and removes it when the test completes. t.TempDir can
// exceed the 108-byte sun_path limit under deeply nested TMPDIRs.
func SocketDir(t testing.TB) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "gearbridge-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

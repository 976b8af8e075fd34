// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is an error that carries its own exit status. Commands
// that already reported the failure return one to skip the "error:"
// line.
type ExitCoder interface {
	error
	ExitCode() int
}

// Fatal reports err and exits. It is the main() handler for errors
// returned by run().
func Fatal(err error) {
	os.Exit(report(os.Stderr, err))
}

func report(w io.Writer, err error) int {
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}

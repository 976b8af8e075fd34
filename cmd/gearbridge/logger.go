// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger writes text to a terminal and JSON everywhere else, so
// journald and log shippers get structured records.
func newLogger(verbose bool) *slog.Logger {
	return slog.New(newHandler(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), verbose))
}

func newHandler(w io.Writer, terminal, verbose bool) slog.Handler {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	if terminal {
		return slog.NewTextHandler(w, options)
	}
	return slog.NewJSONHandler(w, options)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/gearbridge/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

func root() *command {
	return &command{
		Name:    "gearbridge",
		Summary: "Gearman worker bridge for a local CI scheduler",
		Description: `gearbridge keeps one Gearman worker connection per execution target
and runs the builds it grabs on the local scheduler. "serve" runs the
daemon; the remaining commands talk to a running daemon over its
control socket or to the job server directly.`,
		Subcommands: []*command{
			serveCommand(),
			statusCommand(),
			availabilityCommand(),
			registerCommand(),
			reloadCommand(),
			onlineCommand(),
			submitCommand(),
			probeCommand(),
			versionCommand(),
		},
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one node of the CLI tree.
type command struct {
	Name        string
	Summary     string
	Description string

	// Usage defaults to "<path> [flags]".
	Usage string

	// Flags is called once per Execute. Nil means no flags.
	Flags func() *pflag.FlagSet

	Subcommands []*command

	// Run receives the positional arguments left after flag parsing.
	Run func(args []string) error

	parent *command
	output io.Writer
}

func (c *command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(c.stderr())
		return nil
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.PrintHelp(c.stderr())
			return fmt.Errorf("subcommand required")
		}
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			if err == pflag.ErrHelp {
				c.PrintHelp(c.stderr())
				return nil
			}
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}

	if c.Run == nil {
		return fmt.Errorf("no action defined for %q", c.fullName())
	}
	return c.Run(args)
}

// PrintHelp writes the usage, description, subcommands, and flags.
func (c *command) PrintHelp(w io.Writer) {
	usage := c.Usage
	if usage == "" {
		usage = c.fullName() + " [flags]"
		if len(c.Subcommands) > 0 {
			usage = c.fullName() + " <command> [flags]"
		}
	}
	fmt.Fprintf(w, "Usage: %s\n", usage)
	if c.Description != "" {
		fmt.Fprintf(w, "\n%s\n", c.Description)
	} else if c.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", c.Summary)
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
	}

	if c.Flags != nil {
		if flagSet := c.Flags(); flagSet.HasFlags() {
			fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
		}
	}
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func (c *command) stderr() io.Writer {
	for node := c; node != nil; node = node.parent {
		if node.output != nil {
			return node.output
		}
	}
	return os.Stderr
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gearbridge/lib/config"
	"github.com/bureau-foundation/gearbridge/lib/control"
)

const controlTimeout = 30 * time.Second

// controlParams are the flags shared by the commands that talk to a
// running daemon.
type controlParams struct {
	socket     string
	configPath string
	json       bool
}

func (p *controlParams) addFlags(flagSet *pflag.FlagSet, withJSON bool) {
	flagSet.StringVar(&p.socket, "socket", "", "control socket (default: control_socket from the configuration)")
	flagSet.StringVar(&p.configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
	if withJSON {
		flagSet.BoolVar(&p.json, "json", false, "print JSON instead of a table")
	}
}

// socketPath picks --socket, then the configuration's control_socket,
// then the built-in default.
func (p *controlParams) socketPath() (string, error) {
	if p.socket != "" {
		return p.socket, nil
	}
	path := p.configPath
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	if path == "" {
		return config.Default().ControlSocket, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return "", err
	}
	return cfg.ControlSocket, nil
}

func (p *controlParams) call(action string, fields map[string]any, result any) error {
	socket, err := p.socketPath()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return control.NewClient(socket).Call(ctx, action, fields, result)
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func noArguments(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument %q", args[0])
	}
	return nil
}

func oneTarget(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one target name, got %d arguments", len(args))
	}
	return args[0], nil
}

func statusCommand() *command {
	var params controlParams
	return &command{
		Name:    "status",
		Summary: "Show connections, locks, and targets of a running daemon",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.addFlags(flagSet, true)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			var report statusReport
			if err := params.call(control.ActionStatus, nil, &report); err != nil {
				return err
			}
			if params.json {
				return writeJSON(os.Stdout, report)
			}
			printStatus(os.Stdout, report)
			return nil
		},
	}
}

func printStatus(w io.Writer, report statusReport) {
	state := "disabled"
	if report.Fleet.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(w, "gearman: %s (%s)\n\n", state, report.Fleet.Address)

	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "WORKER\tTARGET\tALIVE\tBUSY\tLOCKED\tEXPECTED\tFUNCTIONS")
	for _, worker := range report.Fleet.Workers {
		target := worker.Target
		if target == "" {
			target = "-"
		}
		expected := worker.Expected
		if expected == "" {
			expected = "-"
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			worker.Name, target, yesNo(worker.Alive), yesNo(worker.Busy), yesNo(worker.Locked), expected, len(worker.Functions))
	}
	table.Flush()
	fmt.Fprintln(w)

	table = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "TARGET\tMODE\tEXECUTORS\tSTATE\tLABELS")
	for _, target := range report.Targets {
		state := "online"
		if target.Offline {
			state = "offline"
			if target.OfflineCause != "" {
				state += " (" + target.OfflineCause + ")"
			}
		}
		fmt.Fprintf(table, "%s\t%s\t%d\t%s\t%s\n",
			target.Name, target.Mode, target.Executors, state, strings.Join(target.Labels, ","))
	}
	table.Flush()
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func availabilityCommand() *command {
	var params controlParams
	return &command{
		Name:    "availability",
		Summary: "Show the availability lock of one target",
		Usage:   "gearbridge availability [flags] <target>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("availability", pflag.ContinueOnError)
			params.addFlags(flagSet, true)
			return flagSet
		},
		Run: func(args []string) error {
			target, err := oneTarget(args)
			if err != nil {
				return err
			}
			var result control.Availability
			if err := params.call(control.ActionAvailability, map[string]any{"target": target}, &result); err != nil {
				return err
			}
			if params.json {
				return writeJSON(os.Stdout, result)
			}
			switch {
			case !result.Locked:
				fmt.Printf("%s: free\n", result.Target)
			case result.Expected != "":
				fmt.Printf("%s: locked, expecting build %s\n", result.Target, result.Expected)
			default:
				fmt.Printf("%s: locked\n", result.Target)
			}
			return nil
		},
	}
}

func registerCommand() *command {
	var params controlParams
	return &command{
		Name:    "register",
		Summary: "Push the current function sets to the job server now",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("register", pflag.ContinueOnError)
			params.addFlags(flagSet, false)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			return params.call(control.ActionRegister, nil, nil)
		},
	}
}

func reloadCommand() *command {
	var params controlParams
	return &command{
		Name:    "reload",
		Summary: "Re-read the configuration and topology files",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("reload", pflag.ContinueOnError)
			params.addFlags(flagSet, true)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			var report statusReport
			if err := params.call(control.ActionReload, nil, &report); err != nil {
				return err
			}
			if params.json {
				return writeJSON(os.Stdout, report)
			}
			printStatus(os.Stdout, report)
			return nil
		},
	}
}

func onlineCommand() *command {
	var params controlParams
	return &command{
		Name:    "online",
		Summary: "Bring a target taken offline by a build back online",
		Usage:   "gearbridge online [flags] <target>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("online", pflag.ContinueOnError)
			params.addFlags(flagSet, false)
			return flagSet
		},
		Run: func(args []string) error {
			target, err := oneTarget(args)
			if err != nil {
				return err
			}
			return params.call(control.ActionOnline, map[string]any{"target": target}, nil)
		},
	}
}

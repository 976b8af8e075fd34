// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/version"
)

// exitError carries an exit status for a failure already reported on
// stderr.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }
func (e *exitError) ExitCode() int { return e.code }

type serverParams struct {
	host string
	port int
}

func (p *serverParams) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.host, "host", "127.0.0.1", "job server host")
	flagSet.IntVar(&p.port, "port", 4730, "job server port")
}

func (p *serverParams) address() string {
	return gearman.Address(p.host, p.port)
}

type submitParams struct {
	serverParams
	uniqueID   string
	parameters []string
	timeout    time.Duration
}

func submitCommand() *command {
	var params submitParams
	return &command{
		Name:    "submit",
		Summary: "Submit a job to the job server and follow it",
		Usage:   "gearbridge submit [flags] <function>",
		Description: `Submit a foreground job, print its WORK_DATA packets to stdout as they
arrive, and exit non-zero unless it completes. Parameters become the
JSON object the worker passes to the build.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("submit", pflag.ContinueOnError)
			params.addFlags(flagSet)
			flagSet.DurationVar(&params.timeout, "timeout", 0, "give up after this long (0 waits forever)")
			flagSet.StringVar(&params.uniqueID, "unique", "", "unique id for the job (default: a random UUID)")
			flagSet.StringArrayVarP(&params.parameters, "param", "p", nil, "build parameter as key=value (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one function name, got %d arguments", len(args))
			}
			return submit(args[0], params, os.Stdout, os.Stderr)
		},
	}
}

// encodeParameters turns key=value pairs into the JSON object workers
// read. Later pairs win.
func encodeParameters(pairs []string) ([]byte, error) {
	parameters := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", pair)
		}
		parameters[key] = value
	}
	return json.Marshal(parameters)
}

func submit(function string, params submitParams, stdout, stderr io.Writer) error {
	payload, err := encodeParameters(params.parameters)
	if err != nil {
		return err
	}
	uniqueID := params.uniqueID
	if uniqueID == "" {
		uniqueID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if params.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.timeout)
		defer cancel()
	}

	conn, err := gearman.Dial(ctx, params.address())
	if err != nil {
		return err
	}
	client := gearman.NewClient(conn)
	defer client.Close()

	fmt.Fprintf(stderr, "submitted %s (unique id %s)\n", function, uniqueID)
	result, err := client.Submit(ctx, function, uniqueID, payload, func(update gearman.Update) {
		printUpdate(stdout, stderr, update)
	})
	if err != nil {
		return err
	}
	return reportResult(stdout, stderr, function, result)
}

func printUpdate(stdout, stderr io.Writer, update gearman.Update) {
	switch update.Type {
	case gearman.WorkData:
		fmt.Fprintf(stdout, "%s\n", update.Data)
	case gearman.WorkWarning:
		fmt.Fprintf(stderr, "warning: %s\n", update.Data)
	case gearman.WorkStatus:
		fmt.Fprintf(stderr, "status: %d/%d\n", update.Numerator, update.Denominator)
	}
}

func reportResult(stdout, stderr io.Writer, function string, result gearman.Result) error {
	if len(result.Data) > 0 {
		fmt.Fprintf(stdout, "%s\n", result.Data)
	}
	if result.Success {
		fmt.Fprintf(stderr, "%s completed (%s)\n", function, result.Handle)
		return nil
	}
	message := fmt.Sprintf("%s failed (%s)", function, result.Handle)
	fmt.Fprintln(stderr, message)
	return &exitError{code: 1, message: message}
}

func probeCommand() *command {
	var params serverParams
	return &command{
		Name:    "probe",
		Summary: "Check that a job server accepts connections",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("probe", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := noArguments(args); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), gearman.ProbeTimeout)
			defer cancel()
			if err := gearman.Probe(ctx, params.address()); err != nil {
				return err
			}
			fmt.Printf("job server at %s is reachable\n", params.address())
			return nil
		},
	}
}

func versionCommand() *command {
	return &command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			version.Print("gearbridge")
			return nil
		},
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultKillGrace is how long an aborted build has between SIGTERM
// and SIGKILL.
const DefaultKillGrace = 10 * time.Second

// command is one build process.
type command struct {
	script    string
	directory string
	env       map[string]string
	output    io.Writer
	killGrace time.Duration
}

// run executes the script with sh -c in its own process group and
// returns its exit code. Cancelling ctx signals the whole group. A
// non-nil error means the process could not run to an exit status.
func (c command) run(ctx context.Context) (int, error) {
	if err := os.MkdirAll(c.directory, 0o755); err != nil {
		return -1, fmt.Errorf("creating workspace: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.script)
	cmd.Dir = c.directory
	cmd.Stdout = c.output
	cmd.Stderr = c.output
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(c.env))
	for key := range c.env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd.Env = append(cmd.Env, key+"="+c.env[key])
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	grace := c.killGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := unix.Kill(group, unix.SIGTERM); err != nil {
			return unix.Kill(group, unix.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group has exited is expected.
			_ = unix.Kill(group, unix.SIGKILL)
		}()
		return nil
	}
	// Children that keep the output pipe open must not hold the build
	// hostage after the shell exits.
	cmd.WaitDelay = grace

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && ctx.Err() == nil {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

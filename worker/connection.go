// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bureau-foundation/gearbridge/lib/availability"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/metrics"
	"github.com/bureau-foundation/gearbridge/lib/netutil"
)

// RetryDelay is the fixed wait between a failed session and the next
// connection attempt.
const RetryDelay = 2 * time.Second

// errStopped is returned by serve when Stop won the race against a
// fresh connection.
var errStopped = errors.New("connection stopped")

// Config describes one connection.
type Config struct {
	Host string
	Port int

	// Name is the worker identity announced with SET_CLIENT_ID.
	Name string

	// Target is the execution target the connection serves, or ""
	// for the administrative connection.
	Target string

	Registrar Registrar

	// Monitor gates job grabs. Nil means availability.Noop.
	Monitor availability.Monitor

	// Clock drives the retry delay. Nil means the real clock.
	Clock clock.Clock

	// Metrics may be nil.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Connection is one job server session bound to a target or to the
// administrative role. It is started once and stopped once; the fleet
// replaces stopped connections with new ones.
type Connection struct {
	config       Config
	monitor      availability.Monitor
	clock        clock.Clock
	logger       *slog.Logger
	registration *registration

	// mu guards worker, running, started, and cancel. The serve loop
	// runs outside it so Stop never waits behind a blocking read.
	mu      sync.Mutex
	worker  *gearman.Worker
	running bool
	started bool
	cancel  context.CancelFunc

	done chan struct{}
}

// NewConnection creates an idle connection.
func NewConnection(config Config) *Connection {
	monitor := config.Monitor
	if monitor == nil {
		monitor = availability.Noop{}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Connection{
		config:       config,
		monitor:      monitor,
		clock:        clk,
		logger:       config.Logger.With("worker", config.Name),
		registration: newRegistration(config.Registrar),
		done:         make(chan struct{}),
	}
}

// Name returns the worker identity.
func (c *Connection) Name() string { return c.config.Name }

// Target returns the bound target, or "" for the administrative
// connection.
func (c *Connection) Target() string { return c.config.Target }

// Start launches the serve goroutine and returns immediately. Calls
// after the first are ignored.
func (c *Connection) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.running = true
	c.cancel = cancel
	go c.run(ctx)
}

// Stop clears the running flag, shuts the current broker session
// down, and cancels the connection's context so that the dial, the
// serve loop, and the retry wait all return. It does not wait for the
// goroutine to exit; use Done for that. An in-flight job's cleanup
// still runs to completion.
func (c *Connection) Stop() {
	c.mu.Lock()
	c.running = false
	current := c.worker
	cancel := c.cancel
	started := c.started
	c.started = true
	c.mu.Unlock()

	if current != nil {
		current.Shutdown()
	}
	if cancel != nil {
		cancel()
	}
	if !started {
		close(c.done)
	}
}

// Alive reports whether the serve goroutine is still running.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Busy reports whether the live session is running a job.
func (c *Connection) Busy() bool {
	c.mu.Lock()
	current := c.worker
	c.mu.Unlock()
	return current != nil && current.Busy()
}

// Done is closed when the serve goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Functions returns the names last pushed to the job server.
func (c *Connection) Functions() []string { return c.registration.names() }

// RegisterJobs runs one registration cycle against the live session.
// Without a live session it does nothing; the next connect runs a
// cycle of its own.
func (c *Connection) RegisterJobs() error {
	c.mu.Lock()
	current := c.worker
	c.mu.Unlock()
	if current == nil {
		return nil
	}
	pushed, err := c.registration.cycle(current)
	if err != nil {
		return fmt.Errorf("registering functions for %s: %w", c.config.Name, err)
	}
	if pushed {
		c.config.Metrics.Registration(c.config.Name)
		c.logger.Debug("registered functions", "functions", c.registration.names())
	}
	return nil
}

func (c *Connection) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	c.config.Metrics.WorkerStarted()
	defer c.config.Metrics.WorkerStopped()

	address := gearman.Address(c.config.Host, c.config.Port)
	c.logger.Info("starting job server connection", "address", address, "target", c.config.Target)

	operation := func() error {
		err := c.serve(ctx, address)
		if !c.isRunning() || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		c.config.Metrics.Reconnect(c.config.Name)
		if netutil.IsExpectedCloseError(err) {
			c.logger.Info("job server closed the connection, reconnecting",
				"address", address, "delay", delay)
			return
		}
		c.logger.Warn("job server connection failed, retrying",
			"address", address, "error", err, "delay", delay)
	}
	policy := backoff.WithContext(backoff.NewConstantBackOff(RetryDelay), ctx)

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, &clockTimer{clock: c.clock})
	c.logger.Info("job server connection stopped", "reason", err)
}

// serve runs one session: connect, identify, register, and work until
// the session fails.
func (c *Connection) serve(ctx context.Context, address string) error {
	conn, err := gearman.Dial(ctx, address)
	if err != nil {
		return err
	}

	session := gearman.NewWorker(c.monitor, c.logger)
	session.Attach(conn)

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		conn.Close()
		return errStopped
	}
	c.worker = session
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.worker == session {
			c.worker = nil
		}
		c.mu.Unlock()
		session.Shutdown()
	}()

	// Whatever held the target before this session is gone.
	c.monitor.Unlock()

	if err := session.SetWorkerID(c.config.Name); err != nil {
		return fmt.Errorf("announcing worker id: %w", err)
	}
	session.SetUniqueIDRequired(true)
	c.registration.reset()
	if err := c.RegisterJobs(); err != nil {
		return err
	}

	c.logger.Info("serving job server", "address", address)
	return session.Work(ctx)
}

// clockTimer adapts clock.Clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(duration time.Duration) { t.c = t.clock.After(duration) }
func (t *clockTimer) Stop()                        {}
func (t *clockTimer) C() <-chan time.Time          { return t.c }

func sortedNames(functions FunctionMap) []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

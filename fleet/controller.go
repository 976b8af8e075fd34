// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/gearbridge/dispatch"
	"github.com/bureau-foundation/gearbridge/lib/availability"
	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/metrics"
	"github.com/bureau-foundation/gearbridge/worker"
)

// ErrConfigurationRejected is returned by Apply when the requested
// job server cannot be reached.
var ErrConfigurationRejected = errors.New("gearman configuration rejected")

// DefaultRegistrationInterval is how often Run re-runs every
// connection's registration cycle.
const DefaultRegistrationInterval = 60 * time.Second

// stopTimeout bounds how long StopAll waits for connection goroutines.
const stopTimeout = 30 * time.Second

// Settings is the part of the configuration Apply reacts to.
type Settings struct {
	Enabled bool
	Host    string
	Port    int
}

func (s Settings) address() string {
	return gearman.Address(s.Host, s.Port)
}

// Options configures a Controller.
type Options struct {
	Scheduler ci.Scheduler

	// ManagerName names the administrative functions
	// (stop:<name>, set_description:<name>) and is reported as
	// "manager" in build status payloads.
	ManagerName string

	// WorkerPrefix prefixes worker identities:
	// <prefix>_exec-<target> and <prefix>_manager.
	WorkerPrefix string

	// PipelinesOnManager also advertises pipeline jobs on the
	// administrative connection.
	PipelinesOnManager bool

	// RegistrationInterval defaults to DefaultRegistrationInterval.
	RegistrationInterval time.Duration

	// Probe checks that a job server address is reachable before
	// enabling. Defaults to gearman.Probe.
	Probe func(ctx context.Context, address string) error

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller owns the connections and availability locks.
type Controller struct {
	options  Options
	clock    clock.Clock
	handlers *dispatch.Factory
	logger   *slog.Logger

	events      chan ci.Event
	overflow    chan struct{}
	unsubscribe func()

	mu         sync.Mutex
	settings   Settings
	executors  map[string]*worker.Connection
	locks      map[string]*availability.Lock
	management *worker.Connection

	// retiring names executor connections whose target went offline
	// while a job was in flight. They advertise nothing and are
	// replaced or removed once idle.
	retiring map[string]struct{}
}

// New creates a disabled controller and subscribes it to topology
// events. Call Apply (or InitWorkers directly) to start connections
// and Run to process events.
func New(options Options) *Controller {
	if options.RegistrationInterval <= 0 {
		options.RegistrationInterval = DefaultRegistrationInterval
	}
	if options.Probe == nil {
		options.Probe = gearman.Probe
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	controller := &Controller{
		options:   options,
		clock:     clk,
		logger:    options.Logger,
		events:    make(chan ci.Event, 256),
		overflow:  make(chan struct{}, 1),
		executors: make(map[string]*worker.Connection),
		locks:     make(map[string]*availability.Lock),
		retiring:  make(map[string]struct{}),
	}
	controller.handlers = &dispatch.Factory{
		Scheduler:   options.Scheduler,
		Monitors:    controller,
		ManagerName: options.ManagerName,
		Clock:       clk,
		Metrics:     options.Metrics,
		Logger:      options.Logger,
	}
	controller.unsubscribe = options.Scheduler.Subscribe(controller.enqueue)
	return controller
}

// ExecutorWorkerName is the identity of the connection for target.
func (c *Controller) ExecutorWorkerName(target string) string {
	return c.options.WorkerPrefix + "_exec-" + target
}

// ManagementWorkerName is the identity of the administrative
// connection.
func (c *Controller) ManagementWorkerName() string {
	return c.options.WorkerPrefix + "_manager"
}

// Settings returns the settings last applied.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Apply moves the controller to settings.
func (c *Controller) Apply(ctx context.Context, settings Settings) error {
	c.mu.Lock()
	previous := c.settings
	c.mu.Unlock()

	switch {
	case previous.Enabled && !settings.Enabled:
		c.logger.Info("gearman disabled, stopping workers")
		c.StopAll()
		c.setSettings(settings)
		return nil

	case !settings.Enabled:
		c.setSettings(settings)
		return nil

	case previous.Enabled && previous.address() == settings.address():
		c.setSettings(settings)
		return nil

	case previous.Enabled:
		c.logger.Info("job server address changed, restarting workers",
			"from", previous.address(), "to", settings.address())
		c.StopAll()
	}

	if err := c.options.Probe(ctx, settings.address()); err != nil {
		disabled := settings
		disabled.Enabled = false
		c.setSettings(disabled)
		return fmt.Errorf("%w: %w", ErrConfigurationRejected, err)
	}
	c.setSettings(settings)
	c.logger.Info("gearman enabled", "address", settings.address())
	c.InitWorkers()
	return nil
}

func (c *Controller) setSettings(settings Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = settings
}

// InitWorkers replaces every connection: one per online target with
// executors and one administrative connection.
func (c *Controller) InitWorkers() {
	c.StopAll()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, target := range c.options.Scheduler.Targets() {
		c.createExecutorLocked(target)
	}
	c.createManagementLocked()
	c.logger.Info("workers initialized",
		"executors", len(c.executors), "address", c.settings.address())
}

// StopAll stops and forgets every connection and availability lock,
// then waits for the connection goroutines to exit.
func (c *Controller) StopAll() {
	c.mu.Lock()
	var stopped []*worker.Connection
	for name, connection := range c.executors {
		connection.Stop()
		stopped = append(stopped, connection)
		delete(c.executors, name)
	}
	if c.management != nil {
		c.management.Stop()
		stopped = append(stopped, c.management)
		c.management = nil
	}
	c.locks = make(map[string]*availability.Lock)
	c.retiring = make(map[string]struct{})
	c.mu.Unlock()

	// Joining happens outside the mutex: an exiting job may take its
	// target offline, which queues an event but must not wait on us.
	deadline := c.clock.After(stopTimeout)
	for _, connection := range stopped {
		select {
		case <-connection.Done():
		case <-deadline:
			c.logger.Warn("worker did not stop in time", "worker", connection.Name())
			return
		}
	}
}

// CreateManagementWorker (re)creates the administrative connection.
func (c *Controller) CreateManagementWorker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createManagementLocked()
}

func (c *Controller) createManagementLocked() {
	if c.management != nil {
		c.management.Stop()
	}
	var registrar worker.Registrar = worker.NewManagementRegistrar(c.options.ManagerName, c.handlers)
	if c.options.PipelinesOnManager {
		registrar = worker.Combine(registrar,
			worker.NewPipelineRegistrar(c.options.Scheduler, c.handlers, c.logger))
	}
	c.management = worker.NewConnection(worker.Config{
		Host:      c.settings.Host,
		Port:      c.settings.Port,
		Name:      c.ManagementWorkerName(),
		Registrar: registrar,
		Monitor:   availability.Noop{},
		Clock:     c.clock,
		Metrics:   c.options.Metrics,
		Logger:    c.logger,
	})
	c.management.Start()
}

// CreateExecutorWorkersOnNode (re)creates the connection and lock for
// target. Offline targets and targets without executors get none.
func (c *Controller) CreateExecutorWorkersOnNode(target ci.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createExecutorLocked(target)
}

func (c *Controller) createExecutorLocked(target ci.Target) {
	name := target.Name()
	c.removeExecutorLocked(name)
	if target.IsOffline() || target.Executors() == 0 {
		return
	}

	lock := availability.New()
	c.locks[name] = lock
	connection := worker.NewConnection(worker.Config{
		Host:      c.settings.Host,
		Port:      c.settings.Port,
		Name:      c.ExecutorWorkerName(name),
		Target:    name,
		Registrar: worker.NewExecutionRegistrar(c.options.Scheduler, target, c.handlers, c.logger),
		Monitor:   lock,
		Clock:     c.clock,
		Metrics:   c.options.Metrics,
		Logger:    c.logger,
	})
	c.executors[name] = connection
	connection.Start()
}

// RemoveExecutorWorkersOnNode stops the connection for the named
// target and discards its lock.
func (c *Controller) RemoveExecutorWorkersOnNode(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeExecutorLocked(target)
}

func (c *Controller) removeExecutorLocked(target string) {
	if connection, ok := c.executors[target]; ok {
		connection.Stop()
		delete(c.executors, target)
	}
	delete(c.locks, target)
	delete(c.retiring, target)
}

// retireExecutor handles a target going offline. An idle connection is
// removed. A connection still running a job keeps its session so the
// result reaches the client, and re-registers, which advertises
// nothing for an offline target.
func (c *Controller) retireExecutor(target string) {
	c.mu.Lock()
	connection, ok := c.executors[target]
	if !ok || !connection.Busy() {
		c.removeExecutorLocked(target)
		c.mu.Unlock()
		return
	}
	c.retiring[target] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("target offline with a job in flight, retiring worker after the job",
		"worker", connection.Name())
	if err := connection.RegisterJobs(); err != nil {
		c.logger.Warn("registration cycle failed", "worker", connection.Name(), "error", err)
	}
}

// reapRetiredLocked replaces idle retiring connections whose target
// is usable again and removes the rest.
func (c *Controller) reapRetiredLocked() {
	for name := range c.retiring {
		if connection, ok := c.executors[name]; ok && connection.Busy() {
			continue
		}
		target, ok := c.options.Scheduler.Target(name)
		if ok && !target.IsOffline() && target.Executors() > 0 {
			c.createExecutorLocked(target)
			continue
		}
		c.removeExecutorLocked(name)
	}
}

// ReapRetired runs reapRetiredLocked under the controller mutex.
func (c *Controller) ReapRetired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapRetiredLocked()
}

// AvailabilityMonitor returns the lock for target, or availability.Noop
// when the target has none.
func (c *Controller) AvailabilityMonitor(target string) availability.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lock, ok := c.locks[target]; ok {
		return lock
	}
	return availability.Noop{}
}

// RegisterJobs runs a registration cycle on every connection.
func (c *Controller) RegisterJobs() {
	for _, connection := range c.connections() {
		if err := connection.RegisterJobs(); err != nil {
			c.logger.Warn("registration cycle failed", "worker", connection.Name(), "error", err)
		}
	}
}

func (c *Controller) connections() []*worker.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]*worker.Connection, 0, len(c.executors)+1)
	for _, connection := range c.executors {
		result = append(result, connection)
	}
	if c.management != nil {
		result = append(result, c.management)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// enqueue is the scheduler subscription callback. It never blocks; on
// overflow the event is dropped and Run reconciles instead.
func (c *Controller) enqueue(event ci.Event) {
	select {
	case c.events <- event:
	default:
		select {
		case c.overflow <- struct{}{}:
		default:
		}
	}
}

// Reconcile brings the executor connections in line with the
// scheduler's current targets without touching connections that are
// already correct, then runs a registration cycle everywhere.
func (c *Controller) Reconcile() {
	if !c.Settings().Enabled {
		return
	}
	wanted := make(map[string]ci.Target)
	for _, target := range c.options.Scheduler.Targets() {
		if !target.IsOffline() && target.Executors() > 0 {
			wanted[target.Name()] = target
		}
	}

	c.mu.Lock()
	c.reapRetiredLocked()
	for name, connection := range c.executors {
		if _, ok := wanted[name]; ok {
			continue
		}
		if connection.Busy() {
			c.retiring[name] = struct{}{}
			continue
		}
		c.removeExecutorLocked(name)
	}
	for name, target := range wanted {
		if _, retiring := c.retiring[name]; retiring {
			continue
		}
		if connection, ok := c.executors[name]; !ok || !connection.Alive() {
			c.createExecutorLocked(target)
		}
	}
	if c.management == nil {
		c.createManagementLocked()
	}
	c.mu.Unlock()

	c.RegisterJobs()
}

// HandleTopologyEvent reacts to one topology change. Events are
// ignored while gearman is disabled.
func (c *Controller) HandleTopologyEvent(event ci.Event) {
	if !c.Settings().Enabled {
		return
	}
	c.logger.Debug("topology event", "event", event.Kind, "target", event.Target)

	switch event.Kind {
	case ci.TargetOnline:
		target, ok := c.options.Scheduler.Target(event.Target)
		if !ok {
			return
		}
		if target.IsOffline() || target.Executors() == 0 {
			c.retireExecutor(event.Target)
			return
		}
		c.mu.Lock()
		existing, running := c.executors[event.Target]
		_, retiring := c.retiring[event.Target]
		if retiring && running && existing.Busy() {
			// Replaced by the next reap once its job finishes.
			c.mu.Unlock()
			return
		}
		healthy := running && existing.Alive() && !retiring
		if !healthy {
			c.createExecutorLocked(target)
		}
		c.mu.Unlock()
		if healthy {
			if err := existing.RegisterJobs(); err != nil {
				c.logger.Warn("registration cycle failed", "worker", existing.Name(), "error", err)
			}
		}
	case ci.TargetOffline:
		c.retireExecutor(event.Target)
	case ci.TargetRemoved:
		c.RemoveExecutorWorkersOnNode(event.Target)
	case ci.JobsChanged:
		c.RegisterJobs()
	}
}

// Run processes topology events and runs the periodic registration
// cycle until ctx is done. It then unsubscribes and stops every
// connection.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.options.RegistrationInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-c.events:
			c.HandleTopologyEvent(event)
		case <-c.overflow:
			c.logger.Warn("topology event queue overflowed, reconciling")
			c.Reconcile()
		case <-ticker.C:
			if c.Settings().Enabled {
				c.ReapRetired()
				c.RegisterJobs()
			}
		}
	}
}

// Close unsubscribes from the scheduler and stops every connection.
func (c *Controller) Close() {
	c.unsubscribe()
	c.StopAll()
}

// WorkerStatus describes one connection.
type WorkerStatus struct {
	Name      string   `json:"name"`
	Target    string   `json:"target,omitempty"`
	Alive     bool     `json:"alive"`
	Busy      bool     `json:"busy"`
	Locked    bool     `json:"locked"`
	Expected  string   `json:"expected,omitempty"`
	Functions []string `json:"functions"`
}

// Status is a snapshot of the controller.
type Status struct {
	Enabled bool           `json:"enabled"`
	Address string         `json:"address"`
	Workers []WorkerStatus `json:"workers"`
}

// Status returns a snapshot of every connection, sorted by name.
func (c *Controller) Status() Status {
	settings := c.Settings()
	status := Status{
		Enabled: settings.Enabled,
		Address: settings.address(),
		Workers: []WorkerStatus{},
	}
	for _, connection := range c.connections() {
		monitor := c.AvailabilityMonitor(connection.Target())
		functions := connection.Functions()
		if functions == nil {
			functions = []string{}
		}
		entry := WorkerStatus{
			Name:      connection.Name(),
			Target:    connection.Target(),
			Alive:     connection.Alive(),
			Busy:      connection.Busy(),
			Functions: functions,
		}
		if connection.Target() != "" {
			entry.Locked = monitor.Locked()
			entry.Expected = monitor.Expected()
		}
		status.Workers = append(status.Workers, entry)
	}
	return status
}

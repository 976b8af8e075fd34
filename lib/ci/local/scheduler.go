// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gearbridge/lib/availability"
	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/labelexpr"
)

// DefaultPollInterval is how often Run re-examines the queue without
// being woken. Availability locks release without notifying the
// scheduler, so a blocked build is retried at this rate.
const DefaultPollInterval = time.Second

// ErrClosed is returned by ScheduleBuild after Run has returned.
var ErrClosed = errors.New("scheduler closed")

// AvailabilitySource supplies the monitor guarding each target.
type AvailabilitySource interface {
	AvailabilityMonitor(target string) availability.Monitor
}

// Options configures a Scheduler.
type Options struct {
	// TopologyPath is the JSONC topology file.
	TopologyPath string

	// DatabasePath is the SQLite build history.
	DatabasePath string

	// Workspace is the parent of <target>/<job> build directories.
	Workspace string

	// LogDirectory holds compressed console logs.
	LogDirectory string

	// RootURL prefixes build URLs; "" for none.
	RootURL string

	PollInterval time.Duration
	KillGrace    time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Scheduler implements ci.Scheduler.
type Scheduler struct {
	options  Options
	clock    clock.Clock
	logger   *slog.Logger
	history  *history
	consoles consoleStore

	// wake has capacity 1; a pending wake coalesces later ones.
	wake chan struct{}

	mu           sync.Mutex
	topology     *topology
	offline      map[string]string
	queue        []*build
	live         map[buildKey]*build
	busy         map[string]int
	nextNumber   map[string]int
	availability AvailabilitySource
	subscribers  map[int]func(ci.Event)
	nextSubID    int
	runCtx       context.Context
	closed       bool
	executing    sync.WaitGroup
}

type buildKey struct {
	job    string
	number int
}

// New loads the topology, opens the history database, and marks any
// build a previous process left unfinished as aborted.
func New(options Options) (*Scheduler, error) {
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	file, err := ReadTopology(options.TopologyPath)
	if err != nil {
		return nil, err
	}
	compiled, err := compile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", options.TopologyPath, err)
	}

	store, err := openHistory(options.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if count, err := store.interrupted(context.Background()); err != nil {
		store.close()
		return nil, err
	} else if count > 0 {
		logger.Warn("marked builds interrupted by a restart as aborted", "count", count)
	}

	return &Scheduler{
		options:     options,
		clock:       clk,
		logger:      logger,
		history:     store,
		consoles:    consoleStore{dir: options.LogDirectory},
		wake:        make(chan struct{}, 1),
		topology:    compiled,
		offline:     make(map[string]string),
		live:        make(map[buildKey]*build),
		busy:        make(map[string]int),
		nextNumber:  make(map[string]int),
		subscribers: make(map[int]func(ci.Event)),
	}, nil
}

// SetAvailability installs the monitors consulted before a build
// occupies a target. Until it is called every build is admitted.
func (s *Scheduler) SetAvailability(source AvailabilitySource) {
	s.mu.Lock()
	s.availability = source
	s.mu.Unlock()
	s.poke()
}

// Close releases the history database. Call it after Run returns.
func (s *Scheduler) Close() error {
	return s.history.close()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Targets returns every target, sorted by name.
func (s *Scheduler) Targets() []ci.Target {
	s.mu.Lock()
	names := s.topology.targetNames()
	s.mu.Unlock()
	targets := make([]ci.Target, len(names))
	for i, name := range names {
		targets[i] = &Target{name: name, scheduler: s}
	}
	return targets
}

func (s *Scheduler) Target(name string) (ci.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topology.targets[name]; !ok {
		return nil, false
	}
	return &Target{name: name, scheduler: s}, true
}

// Jobs returns every job, sorted by name.
func (s *Scheduler) Jobs() []ci.Job {
	s.mu.Lock()
	names := s.topology.jobNames()
	s.mu.Unlock()
	jobs := make([]ci.Job, len(names))
	for i, name := range names {
		jobs[i] = &Job{name: name, scheduler: s}
	}
	return jobs
}

func (s *Scheduler) Job(name string) (ci.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topology.jobs[name]; !ok {
		return nil, false
	}
	return &Job{name: name, scheduler: s}, true
}

func (s *Scheduler) RootURL() string {
	return s.options.RootURL
}

// Subscribe registers fn. Events are delivered synchronously from the
// goroutine that caused them, never while the scheduler's lock is held.
func (s *Scheduler) Subscribe(fn func(ci.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Scheduler) emit(events ...ci.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	subscribers := make([]func(ci.Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()
	for _, event := range events {
		for _, fn := range subscribers {
			fn(event)
		}
	}
}

// ScheduleBuild queues a build. ci.PinTarget restricts it to one
// target; ci.Parameters become environment variables and carry the
// unique id checked against the target's availability monitor.
func (s *Scheduler) ScheduleBuild(ctx context.Context, job string, cause ci.Cause, actions ...ci.Action) (ci.QueuedBuild, error) {
	b := &build{
		queueID:  uuid.NewString(),
		job:      job,
		cause:    cause.Description,
		queuedAt: s.clock.Now(),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, action := range actions {
		switch action := action.(type) {
		case ci.PinTarget:
			b.pinned = action.Target
		case ci.Parameters:
			b.parameters = action.Values
			b.uniqueID = action.UniqueID
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	spec, ok := s.topology.jobs[job]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %q: %w", job, ci.ErrNotFound)
	}
	if spec.Disabled {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %q is disabled", job)
	}
	if b.pinned != "" {
		if _, ok := s.topology.targets[b.pinned]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("target %q: %w", b.pinned, ci.ErrNotFound)
		}
	}
	number, err := s.allocateNumberLocked(ctx, job)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	b.number = number
	b.url = buildURL(job, number)
	b.spec = spec
	if err := s.history.insert(ctx, b.record()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.queue = append(s.queue, b)
	s.live[b.key()] = b
	s.mu.Unlock()

	s.logger.Info("build queued", "job", job, "number", number,
		"pinned", b.pinned, "unique_id", b.uniqueID, "queue_id", b.queueID)
	s.poke()
	return b, nil
}

func (s *Scheduler) allocateNumberLocked(ctx context.Context, job string) (int, error) {
	next, ok := s.nextNumber[job]
	if !ok {
		last, err := s.history.lastNumber(ctx, job)
		if err != nil {
			return 0, err
		}
		next = last + 1
	}
	s.nextNumber[job] = next + 1
	return next, nil
}

func (s *Scheduler) peekNumber(job string) int {
	s.mu.Lock()
	next, ok := s.nextNumber[job]
	s.mu.Unlock()
	if ok {
		return next
	}
	last, err := s.history.lastNumber(context.Background(), job)
	if err != nil {
		s.logger.Warn("reading build history failed", "job", job, "error", err)
	}
	return last + 1
}

// buildURL is relative to the scheduler's root URL.
func buildURL(job string, number int) string {
	return "job/" + job + "/" + strconv.Itoa(number) + "/"
}

// FindBuild returns a live or recorded build.
func (s *Scheduler) FindBuild(job string, number int) (ci.Build, error) {
	s.mu.Lock()
	live, ok := s.live[buildKey{job, number}]
	s.mu.Unlock()
	if ok {
		return live.snapshot(), nil
	}
	r, err := s.history.lookup(context.Background(), job, number)
	if err != nil {
		return ci.Build{}, err
	}
	return r.build(), nil
}

func (s *Scheduler) SetBuildDescription(job string, number int, description string) error {
	s.mu.Lock()
	live, ok := s.live[buildKey{job, number}]
	s.mu.Unlock()
	if ok {
		live.setDescription(description)
	}
	found, err := s.history.describe(context.Background(), job, number, description)
	if err != nil {
		return err
	}
	if !found && !ok {
		return fmt.Errorf("build %s #%d: %w", job, number, ci.ErrNotFound)
	}
	return nil
}

// AbortBuild removes a queued build or signals a running one. It
// reports false for a build that already finished.
func (s *Scheduler) AbortBuild(job string, number int) (bool, error) {
	s.mu.Lock()
	b, ok := s.live[buildKey{job, number}]
	if !ok {
		s.mu.Unlock()
		if _, err := s.history.lookup(context.Background(), job, number); err != nil {
			return false, err
		}
		return false, nil
	}
	if index := slices.Index(s.queue, b); index >= 0 {
		s.queue = slices.Delete(s.queue, index, index+1)
		s.mu.Unlock()
		s.logger.Info("queued build aborted", "job", job, "number", number)
		s.complete(b, ci.ResultAborted, 0)
		return true, nil
	}
	s.mu.Unlock()
	s.logger.Info("aborting running build", "job", job, "number", number, "target", b.snapshot().Target)
	return b.abort(), nil
}

// BuildData reports the queue id and console log location.
func (s *Scheduler) BuildData(build ci.Build) map[string]any {
	s.mu.Lock()
	live, ok := s.live[buildKey{build.Job, build.Number}]
	s.mu.Unlock()
	var queueID string
	if ok {
		queueID = live.queueID
	} else if r, err := s.history.lookup(context.Background(), build.Job, build.Number); err == nil {
		queueID = r.QueueID
	} else {
		return nil
	}
	return map[string]any{
		"queue_id": queueID,
		"log":      s.consoles.path(build.Job, build.Number),
	}
}

// ConsoleLog returns the decompressed console output of a build.
func (s *Scheduler) ConsoleLog(job string, number int) (io.ReadCloser, error) {
	return s.consoles.open(job, number)
}

// SetTargetOnline clears a runtime offline mark, such as the one left
// by an offline-when-complete gearman job.
func (s *Scheduler) SetTargetOnline(name string) error {
	s.mu.Lock()
	spec, ok := s.topology.targets[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("target %q: %w", name, ci.ErrNotFound)
	}
	_, wasOffline := s.offline[name]
	delete(s.offline, name)
	s.mu.Unlock()

	if wasOffline && !spec.offline {
		s.logger.Info("target back online", "target", name)
		s.emit(ci.Event{Kind: ci.TargetOnline, Target: name})
		s.poke()
	}
	return nil
}

func (s *Scheduler) setOffline(name, cause string) error {
	s.mu.Lock()
	spec, ok := s.topology.targets[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("target %q: %w", name, ci.ErrNotFound)
	}
	_, already := s.offline[name]
	s.offline[name] = cause
	s.mu.Unlock()

	if !already && !spec.offline {
		s.logger.Info("target taken offline", "target", name, "cause", cause)
		s.emit(ci.Event{Kind: ci.TargetOffline, Target: name})
	}
	return nil
}

// targetState returns the current spec of a target and whether it is
// offline. Unknown targets are reported offline.
func (s *Scheduler) targetState(name string) (target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.topology.targets[name]
	if !ok {
		return target{name: name}, true
	}
	_, runtimeOffline := s.offline[name]
	return spec, spec.offline || runtimeOffline
}

func (s *Scheduler) jobState(name string) (JobSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.topology.jobs[name]
	return spec, ok
}

// OfflineCause returns the runtime offline cause of a target, or "".
func (s *Scheduler) OfflineCause(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline[name]
}

// Run starts queued builds until ctx is done. It then aborts running
// builds, waits for them, and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.options.PollInterval)
	defer ticker.Stop()

	for {
		s.dispatch()
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, b := range queued {
		s.complete(b, ci.ResultAborted, 0)
	}
	s.executing.Wait()
}

// dispatch starts every queued build that can start now, in queue
// order.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	if s.runCtx == nil || s.closed {
		s.mu.Unlock()
		return
	}
	var starting []*build
	remaining := s.queue[:0]
	for _, b := range s.queue {
		if name, ok := s.placeLocked(b); ok {
			b.assign(name, s.clock.Now())
			if !b.spec.Pipeline {
				s.busy[name]++
			}
			starting = append(starting, b)
			continue
		}
		remaining = append(remaining, b)
	}
	s.queue = remaining
	ctx := s.runCtx
	s.mu.Unlock()

	for _, b := range starting {
		s.start(ctx, b)
	}
}

// placeLocked picks the target b should start on now.
func (s *Scheduler) placeLocked(b *build) (string, bool) {
	if b.spec.Pipeline {
		name := ci.BuiltInTarget
		if b.pinned != "" {
			name = b.pinned
		}
		return name, s.admitsLocked(name, b, true)
	}
	if b.pinned != "" {
		return b.pinned, s.admitsLocked(b.pinned, b, false)
	}

	var expr labelexpr.Expr
	if label := b.spec.Label; label != "" {
		parsed, err := labelexpr.Parse(label)
		if err != nil {
			return "", false
		}
		expr = parsed
	}
	for _, name := range s.topology.targetNames() {
		spec := s.topology.targets[name]
		if expr == nil && spec.mode == ci.ModeExclusive {
			continue
		}
		if expr != nil && !expr.Matches(labelexpr.NewSet(spec.labels...)) {
			continue
		}
		if s.admitsLocked(name, b, false) {
			return name, true
		}
	}
	return "", false
}

func (s *Scheduler) admitsLocked(name string, b *build, flyweight bool) bool {
	spec, ok := s.topology.targets[name]
	if !ok || spec.offline {
		return false
	}
	if _, offline := s.offline[name]; offline {
		return false
	}
	if !flyweight && s.busy[name] >= spec.executors {
		return false
	}
	if s.availability != nil && !s.availability.AvailabilityMonitor(name).CanTake(b.uniqueID) {
		return false
	}
	return true
}

func (s *Scheduler) start(ctx context.Context, b *build) {
	snapshot := b.snapshot()
	estimate, ok, err := s.history.estimatedDuration(ctx, b.job)
	if err != nil {
		s.logger.Warn("estimating build duration failed", "job", b.job, "error", err)
	}
	if !ok {
		estimate = ci.UnknownDuration
	}
	b.setEstimate(estimate)
	if err := s.history.started(ctx, b.job, b.number, snapshot.Target, snapshot.StartTime); err != nil {
		s.logger.Warn("recording build start failed", "job", b.job, "number", b.number, "error", err)
	}

	buildCtx, cancel := context.WithCancel(ctx)
	b.markStarted(cancel)
	s.logger.Info("build started", "job", b.job, "number", b.number, "target", snapshot.Target)

	s.executing.Add(1)
	go func() {
		defer s.executing.Done()
		defer cancel()
		result := s.execute(buildCtx, b, snapshot.Target)
		s.complete(b, result, s.clock.Now().Sub(snapshot.StartTime))
	}()
}

func (s *Scheduler) execute(ctx context.Context, b *build, targetName string) ci.Result {
	output, err := s.consoles.create(b.job, b.number)
	if err != nil {
		s.logger.Error("creating console log failed", "job", b.job, "number", b.number, "error", err)
		return ci.ResultFailure
	}
	defer func() {
		if err := output.Close(); err != nil {
			s.logger.Warn("closing console log failed", "job", b.job, "number", b.number, "error", err)
		}
	}()

	workspace := filepath.Join(s.options.Workspace, targetName, b.job)
	env := map[string]string{}
	for key, value := range b.spec.Environment {
		env[key] = value
	}
	for key, value := range b.parameters {
		env[key] = value
	}
	env["JOB_NAME"] = b.job
	env["BUILD_NUMBER"] = strconv.Itoa(b.number)
	env["NODE_NAME"] = targetName
	env["WORKSPACE"] = workspace
	if root := s.options.RootURL; root != "" {
		env["BUILD_URL"] = root + b.url
	}

	fmt.Fprintf(output, "Started by %s\nRunning on %s in %s\n", b.cause, targetName, workspace)
	code, err := command{
		script:    b.spec.Command,
		directory: workspace,
		env:       env,
		output:    output,
		killGrace: s.options.KillGrace,
	}.run(ctx)

	switch {
	case b.aborted() || ctx.Err() != nil:
		fmt.Fprintln(output, "Build aborted")
		return ci.ResultAborted
	case err != nil:
		fmt.Fprintf(output, "Build failed to run: %v\n", err)
		s.logger.Warn("build failed to run", "job", b.job, "number", b.number, "error", err)
		return ci.ResultFailure
	case code != 0:
		fmt.Fprintf(output, "Finished: exit status %d\n", code)
		return ci.ResultFailure
	}
	fmt.Fprintln(output, "Finished: SUCCESS")
	return ci.ResultSuccess
}

// complete records the result of a build that started or was removed
// from the queue, frees its executor, and releases its waiters.
func (s *Scheduler) complete(b *build, result ci.Result, duration time.Duration) {
	snapshot := b.snapshot()
	if err := s.history.finished(context.Background(), b.job, b.number, result, duration); err != nil {
		s.logger.Warn("recording build result failed", "job", b.job, "number", b.number, "error", err)
	}

	s.mu.Lock()
	delete(s.live, b.key())
	if snapshot.Target != "" && !b.spec.Pipeline {
		s.busy[snapshot.Target]--
	}
	s.mu.Unlock()

	b.finish(result)
	s.logger.Info("build finished", "job", b.job, "number", b.number,
		"target", snapshot.Target, "result", result, "duration", duration)
	s.poke()
}

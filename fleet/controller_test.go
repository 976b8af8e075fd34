// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bureau-foundation/gearbridge/lib/availability"
	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/ci/citest"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman/gearmantest"
	"github.com/bureau-foundation/gearbridge/lib/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	server     *gearmantest.Server
	scheduler  *citest.Scheduler
	clock      *clock.FakeClock
	controller *Controller
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		server:    gearmantest.New(t),
		scheduler: citest.New(),
		clock:     clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	options := Options{
		Scheduler:    f.scheduler,
		ManagerName:  "ci.example",
		WorkerPrefix: "host",
		Clock:        f.clock,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(&options)
	}
	f.controller = New(options)
	t.Cleanup(f.controller.Close)
	return f
}

func (f *fixture) settings() Settings {
	return Settings{Enabled: true, Host: f.server.Host(), Port: f.server.Port()}
}

func (f *fixture) enable(t *testing.T) {
	t.Helper()
	if err := f.controller.Apply(context.Background(), f.settings()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func waitForWorkers(t *testing.T, server *gearmantest.Server, want ...string) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return reflect.DeepEqual(server.WorkerIDs(), want)
	}, "worker ids %v (have %v)", want, server.WorkerIDs())
}

func waitForFunctions(t *testing.T, server *gearmantest.Server, id string, want ...string) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool {
		got, ok := server.Functions(id)
		if len(want) == 0 {
			return ok && len(got) == 0
		}
		return ok && reflect.DeepEqual(got, want)
	}, "%s advertising %v", id, want)
}

func TestApplyStartsOneConnectionPerUsableTarget(t *testing.T) {
	f := newFixture(t, nil)
	offline := citest.NewTarget("c")
	offline.SetOffline("maintenance")
	idle := citest.NewTarget("d")
	idle.SetExecutors(0)
	f.scheduler.AddTarget(citest.NewTarget("a", "linux"), citest.NewTarget("b"), offline, idle)
	f.scheduler.AddJob(citest.NewJob("compile", "linux"))

	f.enable(t)

	waitForWorkers(t, f.server, "host_exec-a", "host_exec-b", "host_manager")
	waitForFunctions(t, f.server, "host_exec-a", "build:compile", "build:compile:linux")
	waitForFunctions(t, f.server, "host_exec-b")
	waitForFunctions(t, f.server, "host_manager", "set_description:ci.example", "stop:ci.example")

	status := f.controller.Status()
	if !status.Enabled || status.Address != f.server.Addr() {
		t.Errorf("status = %+v", status)
	}
	var names []string
	for _, w := range status.Workers {
		names = append(names, w.Name)
	}
	if want := []string{"host_exec-a", "host_exec-b", "host_manager"}; !reflect.DeepEqual(names, want) {
		t.Errorf("status workers = %v, want %v", names, want)
	}
}

func TestApplyRejectsUnreachableServer(t *testing.T) {
	probeErr := errors.New("connection refused")
	f := newFixture(t, func(o *Options) {
		o.Probe = func(context.Context, string) error { return probeErr }
	})
	f.scheduler.AddTarget(citest.NewTarget("a"))

	err := f.controller.Apply(context.Background(), f.settings())
	if !errors.Is(err, ErrConfigurationRejected) {
		t.Fatalf("Apply error = %v, want ErrConfigurationRejected", err)
	}
	if !errors.Is(err, probeErr) {
		t.Errorf("Apply error %v does not wrap the probe failure", err)
	}
	if f.controller.Settings().Enabled {
		t.Error("controller enabled after a rejected configuration")
	}
	if workers := f.controller.Status().Workers; len(workers) != 0 {
		t.Errorf("workers after rejection = %+v", workers)
	}
}

func TestApplyDisableStopsEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.AddTarget(citest.NewTarget("a"))
	f.enable(t)
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")

	disabled := f.settings()
	disabled.Enabled = false
	if err := f.controller.Apply(context.Background(), disabled); err != nil {
		t.Fatalf("Apply(disabled): %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return f.server.ConnectionCount() == 0 },
		"connections closing")
	if _, ok := f.controller.AvailabilityMonitor("a").(availability.Noop); !ok {
		t.Error("lock survived disabling")
	}
}

func TestApplyUnchangedAddressKeepsConnections(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.AddTarget(citest.NewTarget("a"))
	f.enable(t)
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")
	before := f.controller.AvailabilityMonitor("a")

	f.enable(t)
	if after := f.controller.AvailabilityMonitor("a"); after != before {
		t.Error("re-applying the same address replaced the connections")
	}
}

func TestApplyAddressChangeMovesConnections(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.AddTarget(citest.NewTarget("a"))
	f.enable(t)
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")

	other := gearmantest.New(t)
	err := f.controller.Apply(context.Background(), Settings{Enabled: true, Host: other.Host(), Port: other.Port()})
	if err != nil {
		t.Fatalf("Apply(new address): %v", err)
	}
	waitForWorkers(t, other, "host_exec-a", "host_manager")
	testutil.Eventually(t, 5*time.Second, func() bool { return f.server.ConnectionCount() == 0 },
		"old server connections closing")
}

func TestAvailabilityMonitorPerTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.AddTarget(citest.NewTarget("a"), citest.NewTarget("b"))
	f.enable(t)

	a := f.controller.AvailabilityMonitor("a")
	b := f.controller.AvailabilityMonitor("b")
	if _, ok := a.(*availability.Lock); !ok {
		t.Fatalf("monitor for a = %T, want *availability.Lock", a)
	}
	if a == b {
		t.Fatal("targets share one lock")
	}
	if _, ok := f.controller.AvailabilityMonitor("unknown").(availability.Noop); !ok {
		t.Error("unknown target should get the no-op monitor")
	}
}

func TestPipelinesOnManager(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PipelinesOnManager = true })
	builtIn := citest.NewTarget(ci.BuiltInTarget)
	builtIn.SetExecutors(0)
	f.scheduler.AddTarget(builtIn)
	f.scheduler.AddJob(citest.NewPipeline("deploy"), citest.NewJob("compile", ""))
	f.enable(t)

	waitForWorkers(t, f.server, "host_manager")
	waitForFunctions(t, f.server, "host_manager",
		"build:deploy", "set_description:ci.example", "stop:ci.example")
}

func TestRunFollowsTopology(t *testing.T) {
	f := newFixture(t, nil)
	a := citest.NewTarget("a")
	f.scheduler.AddTarget(a)
	f.enable(t)
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.controller.Run(ctx) }()

	f.scheduler.AddTarget(citest.NewTarget("b", "linux"))
	f.scheduler.Emit(ci.Event{Kind: ci.TargetOnline, Target: "b"})
	waitForWorkers(t, f.server, "host_exec-a", "host_exec-b", "host_manager")

	a.SetOffline("maintenance")
	f.scheduler.Emit(ci.Event{Kind: ci.TargetOffline, Target: "a"})
	waitForWorkers(t, f.server, "host_exec-b", "host_manager")
	if _, ok := f.controller.AvailabilityMonitor("a").(availability.Noop); !ok {
		t.Error("lock for offline target survived")
	}

	f.scheduler.AddJob(citest.NewJob("compile", "linux"))
	f.scheduler.Emit(ci.Event{Kind: ci.JobsChanged})
	waitForFunctions(t, f.server, "host_exec-b", "build:compile", "build:compile:linux")

	f.scheduler.RemoveTarget("b")
	f.scheduler.Emit(ci.Event{Kind: ci.TargetRemoved, Target: "b"})
	waitForWorkers(t, f.server, "host_manager")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run exit"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return f.server.ConnectionCount() == 0 },
		"connections closing after Run")
}

func TestRunPeriodicRegistration(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RegistrationInterval = time.Minute })
	f.scheduler.AddTarget(citest.NewTarget("a"))
	f.enable(t)
	waitForFunctions(t, f.server, "host_exec-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.controller.Run(ctx) }()

	// No event announces this job; only the periodic cycle finds it.
	f.scheduler.AddJob(citest.NewJob("nightly", ""))
	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Minute)
	waitForFunctions(t, f.server, "host_exec-a", "build:nightly")

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run exit")
}

func TestExecutorCountChanges(t *testing.T) {
	f := newFixture(t, nil)
	a := citest.NewTarget("a")
	f.scheduler.AddTarget(a)
	f.enable(t)
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")

	a.SetExecutors(0)
	f.controller.HandleTopologyEvent(ci.Event{Kind: ci.TargetOnline, Target: "a"})
	waitForWorkers(t, f.server, "host_manager")
	if _, ok := f.controller.AvailabilityMonitor("a").(availability.Noop); !ok {
		t.Error("target without executors kept its lock")
	}

	a.SetExecutors(2)
	f.controller.HandleTopologyEvent(ci.Event{Kind: ci.TargetOnline, Target: "a"})
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")
}

func workerBusy(controller *Controller, name string) bool {
	for _, worker := range controller.Status().Workers {
		if worker.Name == name {
			return worker.Busy
		}
	}
	return false
}

func TestOfflineTargetKeepsWorkerUntilJobFinishes(t *testing.T) {
	f := newFixture(t, nil)
	a := citest.NewTarget("a")
	f.scheduler.AddTarget(a)
	f.scheduler.AddJob(citest.NewJob("compile", ""))
	f.enable(t)
	waitForFunctions(t, f.server, "host_exec-a", "build:compile")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.controller.Run(ctx) }()

	submission := f.server.Submit("build:compile", "uuid-1", []byte(`{"OFFLINE_NODE_WHEN_COMPLETE":"true"}`))
	queued := testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for schedule")
	queued.Start(f.clock.Now(), time.Minute)
	testutil.RequireReceive(t, submission.Updates(), 5*time.Second, "waiting for WORK_DATA")

	a.SetOffline("maintenance")
	f.scheduler.Emit(ci.Event{Kind: ci.TargetOffline, Target: "a"})
	waitForFunctions(t, f.server, "host_exec-a")
	if !workerBusy(f.controller, "host_exec-a") {
		t.Error("worker with a job in flight not reported busy")
	}

	queued.Finish(ci.ResultSuccess)
	result := testutil.RequireReceive(t, submission.Result(), 5*time.Second, "waiting for result")
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}

	// Idle and offline: the periodic cycle removes it.
	testutil.Eventually(t, 5*time.Second, func() bool { return !workerBusy(f.controller, "host_exec-a") },
		"worker idle after the result")
	f.clock.WaitForTimers(1)
	f.clock.Advance(DefaultRegistrationInterval)
	waitForWorkers(t, f.server, "host_manager")

	a.SetOnline()
	f.scheduler.Emit(ci.Event{Kind: ci.TargetOnline, Target: "a"})
	waitForFunctions(t, f.server, "host_exec-a", "build:compile")

	// A fresh lock: the next job is grabbed rather than held back.
	f.server.Submit("build:compile", "uuid-2", nil)
	next := testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for the next build")
	if next.PinnedTarget() != "a" {
		t.Errorf("next build pinned to %q, want a", next.PinnedTarget())
	}

	cancel()
	testutil.RequireReceive(t, done, 5*time.Second, "Run exit")
}

func TestStopAllBoundedByClock(t *testing.T) {
	f := newFixture(t, nil)
	a := citest.NewTarget("a")
	release := make(chan struct{})
	a.BlockSetOffline(release)
	f.scheduler.AddTarget(a)
	f.scheduler.AddJob(citest.NewJob("compile", ""))
	f.enable(t)
	waitForFunctions(t, f.server, "host_exec-a", "build:compile")

	f.server.Submit("build:compile", "uuid-1", []byte(`{"OFFLINE_NODE_WHEN_COMPLETE":"true"}`))
	testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for schedule")

	// The cancelled job blocks in SetOffline during cleanup.
	stopped := make(chan struct{})
	go func() {
		f.controller.StopAll()
		close(stopped)
	}()
	testutil.Eventually(t, 5*time.Second, func() bool { return f.clock.Pending() > 0 },
		"StopAll waiting on the clock")
	select {
	case <-stopped:
		t.Fatal("StopAll returned while a job was still cleaning up")
	default:
	}

	f.clock.Advance(stopTimeout)
	testutil.RequireClosed(t, stopped, 5*time.Second, "StopAll after the stop timeout")
	close(release)
}

func TestEventsIgnoredWhileDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.AddTarget(citest.NewTarget("a"))
	f.controller.HandleTopologyEvent(ci.Event{Kind: ci.TargetOnline, Target: "a"})
	f.controller.Reconcile()
	if workers := f.controller.Status().Workers; len(workers) != 0 {
		t.Fatalf("disabled controller started workers: %+v", workers)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t, nil)
	a := citest.NewTarget("a")
	f.scheduler.AddTarget(a)
	f.enable(t)
	waitForWorkers(t, f.server, "host_exec-a", "host_manager")
	lock := f.controller.AvailabilityMonitor("a")

	// Topology changed without any event reaching the controller.
	f.scheduler.AddTarget(citest.NewTarget("b"))
	f.controller.Reconcile()
	waitForWorkers(t, f.server, "host_exec-a", "host_exec-b", "host_manager")
	if f.controller.AvailabilityMonitor("a") != lock {
		t.Error("reconcile replaced a healthy connection")
	}

	a.SetOffline("gone")
	f.controller.Reconcile()
	waitForWorkers(t, f.server, "host_exec-b", "host_manager")
}

func TestWorkerNames(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.controller.ExecutorWorkerName("node-1"); got != "host_exec-node-1" {
		t.Errorf("ExecutorWorkerName = %q", got)
	}
	if got := f.controller.ManagementWorkerName(); got != "host_manager" {
		t.Errorf("ManagementWorkerName = %q", got)
	}
}

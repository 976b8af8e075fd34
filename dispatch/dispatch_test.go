// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/gearbridge/lib/availability"
	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/ci/citest"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/gearman/gearmantest"
	"github.com/bureau-foundation/gearbridge/lib/testutil"
)

type monitorMap map[string]availability.Monitor

func (m monitorMap) AvailabilityMonitor(target string) availability.Monitor {
	if monitor, ok := m[target]; ok {
		return monitor
	}
	return availability.Noop{}
}

type fixture struct {
	server    *gearmantest.Server
	scheduler *citest.Scheduler
	target    *citest.Target
	job       *citest.Job
	lock      *availability.Lock
	clock     *clock.FakeClock
	factory   *Factory
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		server:    gearmantest.New(t),
		scheduler: citest.New(),
		target:    citest.NewTarget("node", "linux"),
		job:       citest.NewJob("job", "linux"),
		lock:      availability.New(),
		clock:     clock.Fake(epoch),
	}
	f.scheduler.AddTarget(f.target)
	f.scheduler.AddJob(f.job)
	f.factory = &Factory{
		Scheduler:   f.scheduler,
		Monitors:    monitorMap{"node": f.lock},
		ManagerName: "host_manager",
		Clock:       f.clock,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

// serve runs a worker with functions on the fixture's server.
func (f *fixture) serve(t *testing.T, id string, monitor availability.Monitor, functions map[string]gearman.Function) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := gearman.Dial(ctx, f.server.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	worker := gearman.NewWorker(monitor, f.factory.Logger)
	worker.Attach(conn)
	worker.SetUniqueIDRequired(true)
	if err := worker.SetWorkerID(id); err != nil {
		t.Fatal(err)
	}
	if err := worker.SetFunctions(functions); err != nil {
		t.Fatal(err)
	}
	finished := make(chan struct{})
	go func() {
		worker.Work(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, finished, 5*time.Second, "worker exit")
	})
	testutil.Eventually(t, 5*time.Second, func() bool {
		got, ok := f.server.Functions(id)
		return ok && len(got) == len(functions)
	}, "worker %s registered", id)
}

func (f *fixture) serveBuild(t *testing.T) {
	t.Helper()
	f.serve(t, "host_exec-node", f.lock, map[string]gearman.Function{
		"build:job": f.factory.Build(f.job, f.target),
	})
}

func (f *fixture) serveAdmin(t *testing.T) {
	t.Helper()
	f.serve(t, "host_manager", availability.Noop{}, map[string]gearman.Function{
		"stop:host_manager":            f.factory.Stop(),
		"set_description:host_manager": f.factory.SetDescription(),
	})
}

func decodeStatus(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("status payload %q: %v", data, err)
	}
	return status
}

func TestStartJobRunsBuildAndReportsStatus(t *testing.T) {
	f := newFixture(t)
	f.scheduler.SetBuildData(map[string]any{"extra": "value"})
	f.serveBuild(t)

	submission := f.server.Submit("build:job", "uuid-1", []byte(`{"A":"x","B":2}`))
	queued := testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for schedule")

	if queued.PinnedTarget() != "node" {
		t.Errorf("pinned target = %q, want node", queued.PinnedTarget())
	}
	params := queued.Parameters()
	if params.UniqueID != "uuid-1" || !reflect.DeepEqual(params.Values, map[string]string{"A": "x", "B": "2"}) {
		t.Errorf("parameters = %+v", params)
	}
	if !f.lock.Locked() || f.lock.Expected() != "uuid-1" {
		t.Errorf("before start: locked=%v expected=%q, want locked with uuid-1", f.lock.Locked(), f.lock.Expected())
	}

	queued.Start(epoch.Add(-3*time.Second), 10*time.Second)

	data := testutil.RequireReceive(t, submission.Updates(), 5*time.Second, "waiting for WORK_DATA")
	if data.Type != gearman.WorkData {
		t.Fatalf("first update = %s, want WORK_DATA", data.Type)
	}
	status := decodeStatus(t, data.Data)
	want := map[string]any{
		"name":    "job",
		"number":  float64(1),
		"manager": "host_manager",
		"worker":  "host_exec-node",
		"url":     "http://ci.test/job/job/1/",
		"extra":   "value",
	}
	if !reflect.DeepEqual(status, want) {
		t.Errorf("interim status = %v, want %v", status, want)
	}

	progress := testutil.RequireReceive(t, submission.Updates(), 5*time.Second, "waiting for WORK_STATUS")
	if progress.Type != gearman.WorkStatus || progress.Numerator != 10000 || progress.Denominator != 3000 {
		t.Errorf("progress = %+v, want estimate 10000 then elapsed 3000", progress)
	}
	if f.lock.Locked() {
		t.Error("target still locked after the build started")
	}

	select {
	case result := <-submission.Result():
		t.Fatalf("result %+v arrived before the build finished", result)
	default:
	}

	queued.Finish(ci.ResultSuccess)
	result := testutil.RequireReceive(t, submission.Result(), 5*time.Second, "waiting for result")
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	final := decodeStatus(t, result.Data)
	if final["result"] != "SUCCESS" {
		t.Errorf("final status result = %v, want SUCCESS", final["result"])
	}
	if f.target.IsOffline() {
		t.Error("target taken offline without being asked")
	}
}

func TestStartJobOfflineWhenComplete(t *testing.T) {
	for _, result := range []ci.Result{ci.ResultSuccess, ci.ResultFailure} {
		t.Run(string(result), func(t *testing.T) {
			f := newFixture(t)
			f.serveBuild(t)

			submission := f.server.Submit("build:job", "uuid-2", []byte(`{"OFFLINE_NODE_WHEN_COMPLETE":"true","A":"x"}`))
			queued := testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for schedule")
			if _, present := queued.Parameters().Values[OfflineWhenComplete]; present {
				t.Error("pseudo-parameter passed to the build")
			}

			queued.Start(epoch, time.Minute)
			testutil.RequireReceive(t, submission.Updates(), 5*time.Second, "waiting for WORK_DATA")
			testutil.RequireReceive(t, submission.Updates(), 5*time.Second, "waiting for WORK_STATUS")
			if !f.lock.Locked() {
				t.Error("target released although it goes offline after the build")
			}

			queued.Finish(result)
			testutil.RequireReceive(t, submission.Result(), 5*time.Second, "waiting for result")
			testutil.Eventually(t, 5*time.Second, f.target.IsOffline, "target offline")
			if f.target.OfflineCause() != OfflineCause {
				t.Errorf("offline cause = %q", f.target.OfflineCause())
			}
			if !f.lock.Locked() {
				t.Error("target unlocked after going offline")
			}
		})
	}
}

func TestStartJobOfflineFailureDoesNotFailJob(t *testing.T) {
	f := newFixture(t)
	f.target.FailSetOffline(errors.New("controller unreachable"))
	f.serveBuild(t)

	submission := f.server.Submit("build:job", "", []byte(`{"OFFLINE_NODE_WHEN_COMPLETE":"1"}`))
	queued := testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for schedule")
	queued.Finish(ci.ResultSuccess)
	result := testutil.RequireReceive(t, submission.Result(), 5*time.Second, "waiting for result")
	if !result.Success {
		t.Errorf("result = %+v, want success despite offline failure", result)
	}
}

func (f *fixture) startJob() *StartJob {
	return f.factory.Build(f.job, f.target).(*StartJob)
}

func TestStartJobScheduleFailureReleasesTarget(t *testing.T) {
	f := newFixture(t)
	f.scheduler.FailSchedule(errors.New("queue full"))
	f.lock.Lock()

	_, err := f.startJob().Execute(context.Background(), &gearman.Job{Handle: "H:1", UniqueID: "u"})
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("Execute error = %v, want schedule failure", err)
	}
	if f.lock.Locked() {
		t.Error("failed dispatch left the target locked")
	}
}

func TestStartJobBadParametersReleaseTarget(t *testing.T) {
	f := newFixture(t)
	f.lock.Lock()

	_, err := f.startJob().Execute(context.Background(), &gearman.Job{Handle: "H:1", Data: []byte(`{"A":[1]}`)})
	if err == nil {
		t.Fatal("nested parameter accepted")
	}
	if f.lock.Locked() {
		t.Error("rejected job left the target locked")
	}
}

func TestStartJobScheduleFailureStillTakesTargetOffline(t *testing.T) {
	f := newFixture(t)
	f.scheduler.FailSchedule(errors.New("queue full"))
	f.lock.Lock()

	_, err := f.startJob().Execute(context.Background(), &gearman.Job{
		Handle: "H:1",
		Data:   []byte(`{"OFFLINE_NODE_WHEN_COMPLETE":"TRUE"}`),
	})
	if err == nil {
		t.Fatal("Execute succeeded, want schedule failure")
	}
	if !f.target.IsOffline() {
		t.Error("cleanup did not take the target offline")
	}
	if !f.lock.Locked() {
		t.Error("target released although it went offline")
	}
}

func TestStartJobWithoutLockStillTakesTargetOffline(t *testing.T) {
	f := newFixture(t)
	f.factory.Monitors = monitorMap{}
	f.scheduler.FailSchedule(errors.New("queue full"))

	f.startJob().Execute(context.Background(), &gearman.Job{
		Handle: "H:1",
		Data:   []byte(`{"OFFLINE_NODE_WHEN_COMPLETE":"true"}`),
	})
	if !f.target.IsOffline() {
		t.Error("missing lock aborted the offline transition")
	}
}

func TestStartJobCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.lock.Lock()
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := f.startJob().Execute(ctx, &gearman.Job{Handle: "H:1", UniqueID: "u"})
		errs <- err
	}()
	testutil.RequireReceive(t, f.scheduler.Queued(), 5*time.Second, "waiting for schedule")
	cancel()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for Execute")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute error = %v, want context.Canceled", err)
	}
	if f.lock.Locked() {
		t.Error("cancelled dispatch left the target locked")
	}
}

func TestStatusPayloadOmitsUnknownFields(t *testing.T) {
	f := newFixture(t)
	f.scheduler.SetRootURL("")
	payload, err := f.startJob().statusPayload(ci.Build{Job: "job", Number: 4, URL: "job/job/4/"}, "w")
	if err != nil {
		t.Fatal(err)
	}
	status := decodeStatus(t, payload)
	for _, key := range []string{"url", "result"} {
		if _, present := status[key]; present {
			t.Errorf("status has %q: %v", key, status)
		}
	}
	if status["number"] != float64(4) || status["worker"] != "w" {
		t.Errorf("status = %v", status)
	}
}

func submitAndWait(t *testing.T, f *fixture, function, data string) gearman.Result {
	t.Helper()
	submission := f.server.Submit(function, "", []byte(data))
	return testutil.RequireReceive(t, submission.Result(), 5*time.Second, "waiting for %s", function)
}

func TestStopBuild(t *testing.T) {
	f := newFixture(t)
	f.serveAdmin(t)

	queued, err := f.scheduler.ScheduleBuild(context.Background(), "job", ci.Cause{})
	if err != nil {
		t.Fatal(err)
	}

	result := submitAndWait(t, f, "stop:host_manager", `{"name":"job","number":1}`)
	if !result.Success || string(result.Data) != "true" {
		t.Errorf("first stop = %+v, want true", result)
	}
	build, err := queued.WaitFinished(context.Background())
	if err != nil || build.Result != ci.ResultAborted {
		t.Errorf("build after stop = %+v, %v", build, err)
	}

	result = submitAndWait(t, f, "stop:host_manager", `{"name":"job","number":"1"}`)
	if string(result.Data) != "false" {
		t.Errorf("second stop = %q, want false", result.Data)
	}
	result = submitAndWait(t, f, "stop:host_manager", `{"name":"nope","number":1}`)
	if string(result.Data) != "false" {
		t.Errorf("stop of unknown build = %q, want false", result.Data)
	}
	result = submitAndWait(t, f, "stop:host_manager", `{"number":1}`)
	if result.Success {
		t.Error("stop without a job name succeeded")
	}
}

func TestSetDescription(t *testing.T) {
	f := newFixture(t)
	f.serveAdmin(t)

	if _, err := f.scheduler.ScheduleBuild(context.Background(), "job", ci.Cause{}); err != nil {
		t.Fatal(err)
	}
	result := submitAndWait(t, f, "set_description:host_manager",
		`{"name":"job","number":1,"html_description":"<b>gated</b>"}`)
	if string(result.Data) != "true" {
		t.Errorf("set_description = %q, want true", result.Data)
	}
	build, err := f.scheduler.FindBuild("job", 1)
	if err != nil {
		t.Fatal(err)
	}
	if build.Description != "<b>gated</b>" {
		t.Errorf("description = %q", build.Description)
	}

	result = submitAndWait(t, f, "set_description:host_manager", `{"name":"job","number":9,"html_description":"x"}`)
	if string(result.Data) != "false" {
		t.Errorf("set_description on unknown build = %q, want false", result.Data)
	}
}

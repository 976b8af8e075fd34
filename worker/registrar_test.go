// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/ci/citest"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var nopFunction = gearman.FunctionFunc(func(ctx context.Context, job *gearman.Job) (gearman.Result, error) {
	return gearman.Result{Handle: job.Handle, Success: true}, nil
})

// recordingHandlers notes which (job, target) pairs were bound.
type recordingHandlers struct {
	bound []string
}

func (h *recordingHandlers) Build(job ci.Job, target ci.Target) gearman.Function {
	h.bound = append(h.bound, job.Name()+"@"+target.Name())
	return nopFunction
}
func (h *recordingHandlers) Stop() gearman.Function           { return nopFunction }
func (h *recordingHandlers) SetDescription() gearman.Function { return nopFunction }

// recordingSetter counts pushes.
type recordingSetter struct {
	pushes [][]string
}

func (s *recordingSetter) SetFunctions(functions map[string]gearman.Function) error {
	s.pushes = append(s.pushes, sortedNames(functions))
	return nil
}

func executionNames(t *testing.T, target *citest.Target, jobs ...*citest.Job) []string {
	t.Helper()
	scheduler := citest.New()
	scheduler.AddTarget(target)
	scheduler.AddJob(jobs...)
	registrar := NewExecutionRegistrar(scheduler, target, &recordingHandlers{}, discardLogger())
	return sortedNames(registrar.Desired())
}

func TestExecutionRegistrar(t *testing.T) {
	exclusive := func(target *citest.Target) *citest.Target {
		target.SetMode(ci.ModeExclusive)
		return target
	}
	offline := func(target *citest.Target) *citest.Target {
		target.SetOffline("test")
		return target
	}
	disabled := func(job *citest.Job) *citest.Job {
		job.SetDisabled(true)
		return job
	}

	tests := []struct {
		name   string
		target *citest.Target
		job    *citest.Job
		want   []string
	}{
		{
			name:   "matching single tag",
			target: citest.NewTarget("node", "linux"),
			job:    citest.NewJob("job", "linux"),
			want:   []string{"build:job", "build:job:linux"},
		},
		{
			name:   "unknown tag",
			target: citest.NewTarget("node", "linux"),
			job:    citest.NewJob("job", "bogus"),
			want:   []string{},
		},
		{
			name:   "disabled job",
			target: citest.NewTarget("node", "linux"),
			job:    disabled(citest.NewJob("job", "linux")),
			want:   []string{},
		},
		{
			name:   "disabled untagged job",
			target: citest.NewTarget("node"),
			job:    disabled(citest.NewJob("job", "")),
			want:   []string{},
		},
		{
			name:   "untagged on normal target",
			target: citest.NewTarget("node", "linux"),
			job:    citest.NewJob("job", ""),
			want:   []string{"build:job"},
		},
		{
			name:   "untagged on exclusive target",
			target: exclusive(citest.NewTarget("node", "linux")),
			job:    citest.NewJob("job", ""),
			want:   []string{},
		},
		{
			name:   "tagged on exclusive target",
			target: exclusive(citest.NewTarget("node", "linux")),
			job:    citest.NewJob("job", "linux"),
			want:   []string{"build:job", "build:job:linux"},
		},
		{
			name:   "negated tag the target carries",
			target: citest.NewTarget("node", "linux"),
			job:    citest.NewJob("job", "!linux"),
			want:   []string{},
		},
		{
			name:   "negated tag the target lacks",
			target: citest.NewTarget("node", "mac"),
			job:    citest.NewJob("job", "!linux"),
			want:   []string{"build:job"},
		},
		{
			name:   "disjunction",
			target: citest.NewTarget("node", "mac"),
			job:    citest.NewJob("job", "linux || mac"),
			want:   []string{"build:job", "build:job:mac"},
		},
		{
			name:   "disjunction matching both branches",
			target: citest.NewTarget("node", "linux", "mac"),
			job:    citest.NewJob("job", "linux || mac"),
			want:   []string{"build:job", "build:job:linux", "build:job:mac"},
		},
		{
			name:   "conjunction",
			target: citest.NewTarget("node", "linux", "x86"),
			job:    citest.NewJob("job", "linux && x86"),
			want:   []string{"build:job", "build:job:linux", "build:job:x86"},
		},
		{
			name:   "conjunction partly satisfied",
			target: citest.NewTarget("node", "linux"),
			job:    citest.NewJob("job", "linux && x86"),
			want:   []string{},
		},
		{
			name:   "target self label",
			target: citest.NewTarget("node-7"),
			job:    citest.NewJob("job", "node-7"),
			want:   []string{"build:job", "build:job:node-7"},
		},
		{
			name:   "offline target",
			target: offline(citest.NewTarget("node", "linux")),
			job:    citest.NewJob("job", "linux"),
			want:   []string{},
		},
		{
			name:   "unparseable expression",
			target: citest.NewTarget("node", "linux"),
			job:    citest.NewJob("job", "linux &&"),
			want:   []string{},
		},
		{
			name:   "pipeline defaults to built-in",
			target: citest.NewTarget(ci.BuiltInTarget),
			job:    citest.NewPipeline("pipe"),
			want:   []string{"build:pipe", "build:pipe:built-in"},
		},
		{
			name:   "pipeline skips other targets",
			target: citest.NewTarget("node"),
			job:    citest.NewPipeline("pipe"),
			want:   []string{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := executionNames(t, test.target, test.job)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("functions = %v, want %v", got, test.want)
			}
		})
	}
}

func TestExecutionRegistrarBindsTarget(t *testing.T) {
	scheduler := citest.New()
	target := citest.NewTarget("node", "linux")
	scheduler.AddTarget(target)
	scheduler.AddJob(citest.NewJob("a", "linux"), citest.NewJob("b", ""))
	handlers := &recordingHandlers{}

	NewExecutionRegistrar(scheduler, target, handlers, discardLogger()).Desired()
	want := []string{"a@node", "b@node"}
	if !reflect.DeepEqual(handlers.bound, want) {
		t.Errorf("bound = %v, want %v", handlers.bound, want)
	}
}

func TestRegistrationPushesOnlyOnChange(t *testing.T) {
	scheduler := citest.New()
	target := citest.NewTarget("node", "linux")
	job := citest.NewJob("job", "linux")
	scheduler.AddTarget(target)
	scheduler.AddJob(job)

	reg := newRegistration(NewExecutionRegistrar(scheduler, target, &recordingHandlers{}, discardLogger()))
	setter := &recordingSetter{}

	for i := 0; i < 2; i++ {
		if _, err := reg.cycle(setter); err != nil {
			t.Fatal(err)
		}
	}
	if len(setter.pushes) != 1 {
		t.Fatalf("unchanged topology pushed %d times, want 1", len(setter.pushes))
	}

	job.SetDisabled(true)
	pushed, err := reg.cycle(setter)
	if err != nil || !pushed {
		t.Fatalf("cycle after disable: pushed=%v err=%v", pushed, err)
	}
	if last := setter.pushes[len(setter.pushes)-1]; len(last) != 0 {
		t.Errorf("push after disable = %v, want empty", last)
	}

	// A new session starts empty; an empty desired set needs no push.
	reg.reset()
	if pushed, _ := reg.cycle(setter); pushed {
		t.Error("empty desired set pushed to an empty session")
	}

	job.SetDisabled(false)
	reg.reset()
	if pushed, _ := reg.cycle(setter); !pushed {
		t.Error("reset did not force the next push")
	}
}

func TestRegistrationSerializesConcurrentCycles(t *testing.T) {
	var mu sync.Mutex
	current := "build:old"
	calls := 0
	computing := make(chan struct{})
	release := make(chan struct{})
	reg := newRegistration(staticRegistrarFunc(func() FunctionMap {
		mu.Lock()
		name := current
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(computing)
			<-release
		}
		return FunctionMap{name: nopFunction}
	}))
	setter := &recordingSetter{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reg.cycle(setter)
	}()
	testutil.RequireClosed(t, computing, 5*time.Second, "waiting for the first cycle")

	mu.Lock()
	current = "build:new"
	mu.Unlock()
	go func() {
		defer wg.Done()
		reg.cycle(setter)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := reg.names(); !reflect.DeepEqual(got, []string{"build:new"}) {
		t.Errorf("advertised = %v, want [build:new]; pushes = %v", got, setter.pushes)
	}
}

func TestManagementRegistrar(t *testing.T) {
	reg := newRegistration(NewManagementRegistrar("host_manager", &recordingHandlers{}))
	setter := &recordingSetter{}
	for i := 0; i < 3; i++ {
		if _, err := reg.cycle(setter); err != nil {
			t.Fatal(err)
		}
	}
	want := [][]string{{"set_description:host_manager", "stop:host_manager"}}
	if !reflect.DeepEqual(setter.pushes, want) {
		t.Errorf("pushes = %v, want %v", setter.pushes, want)
	}
}

func TestPipelineRegistrar(t *testing.T) {
	scheduler := citest.New()
	scheduler.AddTarget(citest.NewTarget(ci.BuiltInTarget), citest.NewTarget("node", "linux"))
	off := citest.NewPipeline("off")
	off.SetDisabled(true)
	scheduler.AddJob(citest.NewPipeline("pipe"), off, citest.NewJob("freestyle", "linux"))
	handlers := &recordingHandlers{}

	got := sortedNames(NewPipelineRegistrar(scheduler, handlers, discardLogger()).Desired())
	if !reflect.DeepEqual(got, []string{"build:pipe"}) {
		t.Errorf("functions = %v", got)
	}
	if !reflect.DeepEqual(handlers.bound, []string{"pipe@" + ci.BuiltInTarget}) {
		t.Errorf("bound = %v", handlers.bound)
	}
}

func TestPipelineRegistrarWithoutBuiltIn(t *testing.T) {
	scheduler := citest.New()
	scheduler.AddJob(citest.NewPipeline("pipe"))
	if got := NewPipelineRegistrar(scheduler, &recordingHandlers{}, discardLogger()).Desired(); len(got) != 0 {
		t.Errorf("functions = %v, want none", sortedNames(got))
	}
}

func TestCombine(t *testing.T) {
	scheduler := citest.New()
	scheduler.AddTarget(citest.NewTarget(ci.BuiltInTarget))
	scheduler.AddJob(citest.NewPipeline("pipe"))
	handlers := &recordingHandlers{}

	combined := Combine(
		NewManagementRegistrar("mgr", handlers),
		NewPipelineRegistrar(scheduler, handlers, discardLogger()),
	)
	got := sortedNames(combined.Desired())
	want := []string{"build:pipe", "set_description:mgr", "stop:mgr"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("functions = %v, want %v", got, want)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/labelexpr"
)

// FunctionMap maps advertised function names to their handlers. A
// registration cycle produces a fresh map; maps are never patched.
type FunctionMap map[string]gearman.Function

// SameKeys reports whether m and other advertise the same names.
func (m FunctionMap) SameKeys(other FunctionMap) bool {
	if len(m) != len(other) {
		return false
	}
	for name := range m {
		if _, ok := other[name]; !ok {
			return false
		}
	}
	return true
}

// Handlers builds the gearman functions registrars bind to names.
type Handlers interface {
	// Build returns the handler that schedules job pinned to target.
	Build(job ci.Job, target ci.Target) gearman.Function

	// Stop returns the handler that aborts builds.
	Stop() gearman.Function

	// SetDescription returns the handler that sets build descriptions.
	SetDescription() gearman.Function
}

// Registrar computes the functions one connection should advertise
// given the current topology.
type Registrar interface {
	Desired() FunctionMap
}

// FunctionSetter is the part of a gearman worker a registration
// cycle pushes to.
type FunctionSetter interface {
	SetFunctions(functions map[string]gearman.Function) error
}

// registration retains the last pushed function set for one
// connection and performs diffed pushes.
type registration struct {
	registrar Registrar

	mu       sync.Mutex
	previous FunctionMap
}

func newRegistration(registrar Registrar) *registration {
	return &registration{registrar: registrar, previous: FunctionMap{}}
}

// cycle pushes the registrar's desired set to setter when its key set
// differs from the previous push. It reports whether it pushed.
// Concurrent cycles compute and push one at a time, so a set computed
// from older topology never lands after a newer one.
func (r *registration) cycle(setter FunctionSetter) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desired := r.registrar.Desired()
	if desired.SameKeys(r.previous) {
		return false, nil
	}
	if err := setter.SetFunctions(desired); err != nil {
		return false, err
	}
	r.previous = desired
	return true, nil
}

// reset forgets the previous push. A fresh broker session starts with
// no abilities, which is what an empty previous set describes.
func (r *registration) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous = FunctionMap{}
}

func (r *registration) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedNames(r.previous)
}

// BuildFunction is the function name clients use to run job on any
// eligible target.
func BuildFunction(job string) string {
	return "build:" + job
}

// TaggedBuildFunction is the function name clients use to run job on
// a target carrying tag.
func TaggedBuildFunction(job, tag string) string {
	return "build:" + job + ":" + tag
}

// StopFunction is the administrative abort function for name.
func StopFunction(name string) string {
	return "stop:" + name
}

// SetDescriptionFunction is the administrative description function
// for name.
func SetDescriptionFunction(name string) string {
	return "set_description:" + name
}

// ExecutionRegistrar advertises the builds one target may run.
type ExecutionRegistrar struct {
	scheduler ci.Scheduler
	target    ci.Target
	handlers  Handlers
	logger    *slog.Logger
}

// NewExecutionRegistrar binds a registrar to target.
func NewExecutionRegistrar(scheduler ci.Scheduler, target ci.Target, handlers Handlers, logger *slog.Logger) *ExecutionRegistrar {
	return &ExecutionRegistrar{
		scheduler: scheduler,
		target:    target,
		handlers:  handlers,
		logger:    logger,
	}
}

// Desired returns build:<job> for every enabled job the target
// satisfies, plus build:<job>:<tag> for each tag the job's expression
// names that the target carries. Untagged jobs go only to targets not
// in exclusive mode. An offline target advertises nothing.
func (r *ExecutionRegistrar) Desired() FunctionMap {
	functions := FunctionMap{}
	if r.target.IsOffline() {
		return functions
	}
	labels := labelexpr.NewSet(r.target.Labels()...)
	exclusive := r.target.Mode() == ci.ModeExclusive

	for _, job := range r.scheduler.Jobs() {
		if job.Disabled() {
			continue
		}
		name := job.Name()
		expression := jobExpression(job)

		if expression == "" {
			if !exclusive {
				functions[BuildFunction(name)] = r.handlers.Build(job, r.target)
			}
			continue
		}

		expr, err := labelexpr.Parse(expression)
		if err != nil {
			r.logger.Warn("skipping job with unparseable tag expression",
				"job", name, "expression", expression, "error", err)
			continue
		}
		if !expr.Matches(labels) {
			continue
		}

		handler := r.handlers.Build(job, r.target)
		functions[BuildFunction(name)] = handler
		for _, atom := range labelexpr.Atoms(expr) {
			if labels.Has(atom) {
				functions[TaggedBuildFunction(name, atom)] = handler
			}
		}
	}
	return functions
}

// jobExpression returns the job's tag expression. Pipeline jobs
// without one run on the built-in target.
func jobExpression(job ci.Job) string {
	expression := strings.TrimSpace(job.LabelExpression())
	if expression == "" && job.IsPipeline() {
		return ci.BuiltInTarget
	}
	return expression
}

// ManagementRegistrar advertises the administrative functions for the
// connection named name. The set never changes, so after the first
// successful push every later cycle is a no-op.
type ManagementRegistrar struct {
	name     string
	handlers Handlers
}

// NewManagementRegistrar returns the registrar for the administrative
// connection.
func NewManagementRegistrar(name string, handlers Handlers) *ManagementRegistrar {
	return &ManagementRegistrar{name: name, handlers: handlers}
}

func (r *ManagementRegistrar) Desired() FunctionMap {
	return FunctionMap{
		StopFunction(r.name):           r.handlers.Stop(),
		SetDescriptionFunction(r.name): r.handlers.SetDescription(),
	}
}

// PipelineRegistrar advertises every enabled pipeline job, bound to
// the built-in target, without consulting tags.
type PipelineRegistrar struct {
	scheduler ci.Scheduler
	handlers  Handlers
	logger    *slog.Logger
}

// NewPipelineRegistrar returns the one-shot pipeline registrar.
func NewPipelineRegistrar(scheduler ci.Scheduler, handlers Handlers, logger *slog.Logger) *PipelineRegistrar {
	return &PipelineRegistrar{scheduler: scheduler, handlers: handlers, logger: logger}
}

func (r *PipelineRegistrar) Desired() FunctionMap {
	functions := FunctionMap{}
	target, ok := r.scheduler.Target(ci.BuiltInTarget)
	if !ok {
		r.logger.Debug("no built-in target, skipping pipeline registration")
		return functions
	}
	for _, job := range r.scheduler.Jobs() {
		if job.Disabled() || !job.IsPipeline() {
			continue
		}
		functions[BuildFunction(job.Name())] = r.handlers.Build(job, target)
	}
	return functions
}

// Combine returns a registrar advertising the union of registrars.
// When two registrars produce the same name, the earlier one wins.
func Combine(registrars ...Registrar) Registrar {
	return combined(registrars)
}

type combined []Registrar

func (c combined) Desired() FunctionMap {
	functions := FunctionMap{}
	for _, registrar := range c {
		for name, handler := range registrar.Desired() {
			if _, exists := functions[name]; !exists {
				functions[name] = handler
			}
		}
	}
	return functions
}

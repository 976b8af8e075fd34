// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ci

import (
	"context"
	"errors"
	"time"
)

// BuiltInTarget is the canonical name of the scheduler's own
// controller node. Pipeline jobs run there.
const BuiltInTarget = "built-in"

// Mode controls which jobs a target accepts.
type Mode int

const (
	// ModeNormal targets accept untagged jobs and any tagged job
	// whose expression they satisfy.
	ModeNormal Mode = iota

	// ModeExclusive targets accept only tagged jobs whose expression
	// they satisfy.
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeExclusive:
		return "exclusive"
	}
	return "unknown"
}

// Target is an execution target (a compute node builds run on).
type Target interface {
	Name() string
	IsOffline() bool
	Mode() Mode

	// Labels returns the tags assigned to the target, always
	// including the target's own name.
	Labels() []string

	// Executors is the number of concurrent builds the target runs.
	Executors() int

	// SetOffline takes the target offline, recording cause.
	SetOffline(cause string) error
}

// Job is a buildable job definition.
type Job interface {
	Name() string
	Disabled() bool

	// LabelExpression is the tag expression restricting where the job
	// runs, or "" when it runs anywhere.
	LabelExpression() string

	// IsPipeline reports whether the job is a pipeline-style job that
	// always runs on the built-in target.
	IsPipeline() bool

	NextBuildNumber() int
}

// Result is a build's terminal outcome. The zero value means the build
// has not finished.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
	ResultAborted Result = "ABORTED"
)

// Build is a snapshot of one build.
type Build struct {
	Job    string
	Number int
	Target string
	Result Result

	// URL is relative to the scheduler's root URL.
	URL string

	StartTime time.Time

	// EstimatedDuration is UnknownDuration when the job has no
	// successful build to estimate from.
	EstimatedDuration time.Duration
	Description       string
}

// UnknownDuration marks a build without a duration estimate. It is -1
// in the millisecond units reported to clients.
const UnknownDuration = -time.Millisecond

// QueuedBuild is the handle returned when a build is scheduled. Its
// two milestones resolve in order: started, then finished.
type QueuedBuild interface {
	// WaitStarted blocks until the build starts executing.
	WaitStarted(ctx context.Context) (Build, error)

	// WaitFinished blocks until the build completes.
	WaitFinished(ctx context.Context) (Build, error)
}

// Cause records why a build was scheduled.
type Cause struct {
	Description string
}

// Action modifies how a scheduled build is placed or parameterized.
type Action interface {
	action()
}

// PinTarget forces a build onto the named target.
type PinTarget struct {
	Target string
}

// Parameters carries build parameters and the client-supplied unique
// id of the request that scheduled the build.
type Parameters struct {
	Values   map[string]string
	UniqueID string
}

func (PinTarget) action()  {}
func (Parameters) action() {}

// EventKind classifies topology events.
type EventKind int

const (
	// TargetOnline fires when a target is added or returns online.
	TargetOnline EventKind = iota
	// TargetOffline fires when a target goes offline.
	TargetOffline
	// TargetRemoved fires when a target is deleted.
	TargetRemoved
	// JobsChanged fires when job definitions are added, removed,
	// enabled, disabled, or relabeled, and when target labels change.
	JobsChanged
)

func (k EventKind) String() string {
	switch k {
	case TargetOnline:
		return "target-online"
	case TargetOffline:
		return "target-offline"
	case TargetRemoved:
		return "target-removed"
	case JobsChanged:
		return "jobs-changed"
	}
	return "unknown"
}

// Event is a topology change notification.
type Event struct {
	Kind EventKind

	// Target names the affected target. Empty for JobsChanged.
	Target string
}

// ErrNotFound is returned when a named job, target, or build does
// not exist.
var ErrNotFound = errors.New("not found")

// Scheduler is the CI build scheduler.
type Scheduler interface {
	Targets() []Target
	Target(name string) (Target, bool)
	Jobs() []Job
	Job(name string) (Job, bool)

	// ScheduleBuild queues a build of job. The returned handle
	// follows the build through start and completion.
	ScheduleBuild(ctx context.Context, job string, cause Cause, actions ...Action) (QueuedBuild, error)

	// FindBuild returns the build numbered number of job.
	FindBuild(job string, number int) (Build, error)

	SetBuildDescription(job string, number int, description string) error

	// AbortBuild cancels a running or queued build. It reports
	// whether anything was aborted.
	AbortBuild(job string, number int) (bool, error)

	// BuildData returns extra key/value data the scheduler attaches
	// to a build's status report. May be nil.
	BuildData(build Build) map[string]any

	// RootURL is the absolute URL build URLs are relative to, or ""
	// when the scheduler has none.
	RootURL() string

	// Subscribe registers fn for topology events. The returned
	// function unsubscribes. fn must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
}

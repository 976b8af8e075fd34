// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"github.com/bureau-foundation/gearbridge/lib/ci"
)

// Target is a live view of one topology target. Its answers follow
// topology reloads; a target removed from the file reports offline
// with no labels or executors.
type Target struct {
	name      string
	scheduler *Scheduler
}

func (t *Target) Name() string { return t.name }

func (t *Target) IsOffline() bool {
	_, offline := t.scheduler.targetState(t.name)
	return offline
}

func (t *Target) Mode() ci.Mode {
	spec, _ := t.scheduler.targetState(t.name)
	return spec.mode
}

func (t *Target) Labels() []string {
	spec, _ := t.scheduler.targetState(t.name)
	return append([]string(nil), spec.labels...)
}

func (t *Target) Executors() int {
	spec, _ := t.scheduler.targetState(t.name)
	return spec.executors
}

func (t *Target) SetOffline(cause string) error {
	return t.scheduler.setOffline(t.name, cause)
}

// Job is a live view of one topology job. A job removed from the file
// reports disabled.
type Job struct {
	name      string
	scheduler *Scheduler
}

func (j *Job) Name() string { return j.name }

func (j *Job) Disabled() bool {
	spec, ok := j.scheduler.jobState(j.name)
	return !ok || spec.Disabled
}

func (j *Job) LabelExpression() string {
	spec, _ := j.scheduler.jobState(j.name)
	return spec.Label
}

func (j *Job) IsPipeline() bool {
	spec, _ := j.scheduler.jobState(j.name)
	return spec.Pipeline
}

func (j *Job) NextBuildNumber() int {
	return j.scheduler.peekNumber(j.name)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package citest provides an in-memory ci.Scheduler whose builds are
// started and finished explicitly by the test.
package citest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/gearbridge/lib/ci"
)

// Target is a mutable ci.Target.
type Target struct {
	mu           sync.Mutex
	name         string
	offline      bool
	offlineCause string
	mode         ci.Mode
	labels       []string
	executors    int
	offlineErr   error
	offlineGate  <-chan struct{}
}

// NewTarget returns an online, normal-mode target with one executor.
// The target's own name is added to its labels.
func NewTarget(name string, labels ...string) *Target {
	return &Target{
		name:      name,
		labels:    append([]string{name}, labels...),
		executors: 1,
	}
}

func (t *Target) Name() string { return t.name }

func (t *Target) IsOffline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offline
}

func (t *Target) Mode() ci.Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *Target) Labels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.labels...)
}

func (t *Target) Executors() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executors
}

func (t *Target) SetOffline(cause string) error {
	t.mu.Lock()
	gate := t.offlineGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offlineErr != nil {
		return t.offlineErr
	}
	t.offline = true
	t.offlineCause = cause
	return nil
}

// OfflineCause returns the cause recorded by the last SetOffline.
func (t *Target) OfflineCause() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offlineCause
}

// SetOnline brings the target back online.
func (t *Target) SetOnline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = false
	t.offlineCause = ""
}

// SetMode changes the target's mode.
func (t *Target) SetMode(mode ci.Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
}

// SetExecutors changes the executor count.
func (t *Target) SetExecutors(executors int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executors = executors
}

// FailSetOffline makes subsequent SetOffline calls return err.
func (t *Target) FailSetOffline(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offlineErr = err
}

// BlockSetOffline makes subsequent SetOffline calls wait until release
// is closed.
func (t *Target) BlockSetOffline(release <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offlineGate = release
}

// Job is a mutable ci.Job.
type Job struct {
	mu       sync.Mutex
	name     string
	label    string
	disabled bool
	pipeline bool
	next     int
}

// NewJob returns an enabled job restricted by label ("" for none).
func NewJob(name, label string) *Job {
	return &Job{name: name, label: label, next: 1}
}

// NewPipeline returns an enabled pipeline job.
func NewPipeline(name string) *Job {
	return &Job{name: name, pipeline: true, next: 1}
}

func (j *Job) Name() string { return j.name }

func (j *Job) Disabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.disabled
}

func (j *Job) LabelExpression() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.label
}

func (j *Job) IsPipeline() bool { return j.pipeline }

func (j *Job) NextBuildNumber() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

// SetDisabled enables or disables the job.
func (j *Job) SetDisabled(disabled bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.disabled = disabled
}

// SetLabel changes the job's tag expression.
func (j *Job) SetLabel(label string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.label = label
}

func (j *Job) takeNumber() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	number := j.next
	j.next++
	return number
}

// Scheduler is an in-memory ci.Scheduler.
type Scheduler struct {
	mu          sync.Mutex
	targets     []*Target
	jobs        []*Job
	rootURL     string
	buildData   map[string]any
	scheduleErr error
	builds      map[buildKey]*QueuedBuild
	subscribers map[int]func(ci.Event)
	nextSubID   int

	queued chan *QueuedBuild
}

type buildKey struct {
	job    string
	number int
}

// New returns an empty scheduler with root URL "http://ci.test/".
func New() *Scheduler {
	return &Scheduler{
		rootURL:     "http://ci.test/",
		builds:      make(map[buildKey]*QueuedBuild),
		subscribers: make(map[int]func(ci.Event)),
		queued:      make(chan *QueuedBuild, 64),
	}
}

// AddTarget adds targets without emitting events.
func (s *Scheduler) AddTarget(targets ...*Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, targets...)
}

// RemoveTarget deletes the named target without emitting events.
func (s *Scheduler) RemoveTarget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, target := range s.targets {
		if target.name == name {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return
		}
	}
}

// AddJob adds jobs without emitting events.
func (s *Scheduler) AddJob(jobs ...*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
}

// SetRootURL changes the root URL ("" for none).
func (s *Scheduler) SetRootURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootURL = url
}

// SetBuildData sets the extra data returned by BuildData.
func (s *Scheduler) SetBuildData(data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildData = data
}

// FailSchedule makes subsequent ScheduleBuild calls return err.
func (s *Scheduler) FailSchedule(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleErr = err
}

// Emit delivers event to every subscriber.
func (s *Scheduler) Emit(event ci.Event) {
	s.mu.Lock()
	subscribers := make([]func(ci.Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	s.mu.Unlock()
	for _, fn := range subscribers {
		fn(event)
	}
}

// Queued delivers every build handed to ScheduleBuild.
func (s *Scheduler) Queued() <-chan *QueuedBuild {
	return s.queued
}

func (s *Scheduler) Targets() []ci.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ci.Target, len(s.targets))
	for i, target := range s.targets {
		result[i] = target
	}
	return result
}

func (s *Scheduler) Target(name string) (ci.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, target := range s.targets {
		if target.name == name {
			return target, true
		}
	}
	return nil, false
}

func (s *Scheduler) Jobs() []ci.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]ci.Job, len(s.jobs))
	for i, job := range s.jobs {
		result[i] = job
	}
	return result
}

func (s *Scheduler) Job(name string) (ci.Job, bool) {
	job := s.job(name)
	if job == nil {
		return nil, false
	}
	return job, true
}

func (s *Scheduler) job(name string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.name == name {
			return job
		}
	}
	return nil
}

func (s *Scheduler) ScheduleBuild(ctx context.Context, jobName string, cause ci.Cause, actions ...ci.Action) (ci.QueuedBuild, error) {
	s.mu.Lock()
	err := s.scheduleErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	job := s.job(jobName)
	if job == nil {
		return nil, fmt.Errorf("job %q: %w", jobName, ci.ErrNotFound)
	}

	queued := &QueuedBuild{
		Job:      jobName,
		Cause:    cause,
		Actions:  actions,
		number:   job.takeNumber(),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	queued.build = ci.Build{
		Job:    jobName,
		Number: queued.number,
		Target: queued.PinnedTarget(),
		URL:    fmt.Sprintf("job/%s/%d/", jobName, queued.number),
	}
	s.mu.Lock()
	s.builds[buildKey{jobName, queued.number}] = queued
	s.mu.Unlock()
	s.queued <- queued
	return queued, nil
}

func (s *Scheduler) FindBuild(job string, number int) (ci.Build, error) {
	s.mu.Lock()
	queued, ok := s.builds[buildKey{job, number}]
	s.mu.Unlock()
	if !ok {
		return ci.Build{}, fmt.Errorf("build %s #%d: %w", job, number, ci.ErrNotFound)
	}
	return queued.snapshot(), nil
}

func (s *Scheduler) SetBuildDescription(job string, number int, description string) error {
	s.mu.Lock()
	queued, ok := s.builds[buildKey{job, number}]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("build %s #%d: %w", job, number, ci.ErrNotFound)
	}
	queued.mu.Lock()
	queued.build.Description = description
	queued.mu.Unlock()
	return nil
}

func (s *Scheduler) AbortBuild(job string, number int) (bool, error) {
	s.mu.Lock()
	queued, ok := s.builds[buildKey{job, number}]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("build %s #%d: %w", job, number, ci.ErrNotFound)
	}
	return queued.Finish(ci.ResultAborted), nil
}

func (s *Scheduler) BuildData(ci.Build) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildData
}

func (s *Scheduler) RootURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootURL
}

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

// QueuedBuild is a scheduled build the test drives through its
// milestones with Start and Finish.
type QueuedBuild struct {
	Job     string
	Cause   ci.Cause
	Actions []ci.Action

	number int

	mu       sync.Mutex
	build    ci.Build
	started  chan struct{}
	finished chan struct{}
}

// Number is the build number assigned at schedule time.
func (q *QueuedBuild) Number() int { return q.number }

// PinnedTarget returns the target named by a PinTarget action, or "".
func (q *QueuedBuild) PinnedTarget() string {
	for _, action := range q.Actions {
		if pin, ok := action.(ci.PinTarget); ok {
			return pin.Target
		}
	}
	return ""
}

// Parameters returns the Parameters action, or the zero value.
func (q *QueuedBuild) Parameters() ci.Parameters {
	for _, action := range q.Actions {
		if params, ok := action.(ci.Parameters); ok {
			return params
		}
	}
	return ci.Parameters{}
}

// Start resolves the started milestone. startTime is the build's
// recorded start and estimate its estimated duration.
func (q *QueuedBuild) Start(startTime time.Time, estimate time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.started:
		return
	default:
	}
	q.build.StartTime = startTime
	q.build.EstimatedDuration = estimate
	close(q.started)
}

// Finish records result and resolves both milestones. It reports
// whether the build was still unfinished.
func (q *QueuedBuild) Finish(result ci.Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.finished:
		return false
	default:
	}
	select {
	case <-q.started:
	default:
		close(q.started)
	}
	q.build.Result = result
	close(q.finished)
	return true
}

func (q *QueuedBuild) snapshot() ci.Build {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.build
}

func (q *QueuedBuild) WaitStarted(ctx context.Context) (ci.Build, error) {
	select {
	case <-q.started:
		return q.snapshot(), nil
	case <-ctx.Done():
		return ci.Build{}, ctx.Err()
	}
}

func (q *QueuedBuild) WaitFinished(ctx context.Context) (ci.Build, error) {
	select {
	case <-q.finished:
		return q.snapshot(), nil
	case <-ctx.Done():
		return ci.Build{}, ctx.Err()
	}
}

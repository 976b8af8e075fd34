// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/gearbridge/lib/ci"
)

// build is a queued or running build. It implements ci.QueuedBuild.
type build struct {
	queueID    string
	job        string
	number     int
	url        string
	cause      string
	pinned     string
	parameters map[string]string
	uniqueID   string
	queuedAt   time.Time
	spec       JobSpec

	started  chan struct{}
	finished chan struct{}

	mu          sync.Mutex
	target      string
	startTime   time.Time
	estimate    time.Duration
	result      ci.Result
	description string
	cancel      context.CancelFunc
	abortFlag   bool
	startClosed bool
}

func (b *build) key() buildKey {
	return buildKey{job: b.job, number: b.number}
}

func (b *build) record() record {
	return record{
		Job:      b.job,
		Number:   b.number,
		QueueID:  b.queueID,
		UniqueID: b.uniqueID,
		Cause:    b.cause,
		QueuedAt: b.queuedAt,
	}
}

func (b *build) snapshot() ci.Build {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ci.Build{
		Job:               b.job,
		Number:            b.number,
		Target:            b.target,
		Result:            b.result,
		URL:               b.url,
		StartTime:         b.startTime,
		EstimatedDuration: b.estimate,
		Description:       b.description,
	}
}

func (b *build) assign(target string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = target
	b.startTime = at
}

func (b *build) setEstimate(estimate time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.estimate = estimate
}

func (b *build) setDescription(description string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.description = description
}

func (b *build) markStarted(cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel = cancel
	if !b.startClosed {
		b.startClosed = true
		close(b.started)
	}
}

// abort signals a running build. It reports false when the build has
// already finished.
func (b *build) abort() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result != "" {
		return false
	}
	b.abortFlag = true
	if b.cancel != nil {
		b.cancel()
	}
	return true
}

func (b *build) aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortFlag
}

// finish records result and releases every waiter. A build that never
// started releases WaitStarted too.
func (b *build) finish(result ci.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result != "" {
		return
	}
	b.result = result
	if !b.startClosed {
		b.startClosed = true
		close(b.started)
	}
	close(b.finished)
}

func (b *build) WaitStarted(ctx context.Context) (ci.Build, error) {
	select {
	case <-b.started:
		return b.snapshot(), nil
	case <-ctx.Done():
		return ci.Build{}, ctx.Err()
	}
}

func (b *build) WaitFinished(ctx context.Context) (ci.Build, error) {
	select {
	case <-b.finished:
		return b.snapshot(), nil
	case <-ctx.Done():
		return ci.Build{}, ctx.Err()
	}
}

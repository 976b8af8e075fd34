// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package availability

import (
	"context"
	"sync"
)

// Monitor gates whether a new job may be pinned to one execution
// target. The gearman worker bound to the target locks the monitor
// before asking the broker for work; the dispatch handler records the
// unique id of the job it is about to schedule and releases the
// monitor once the build has started.
type Monitor interface {
	// Lock marks the target busy and clears any expected unique id.
	Lock()

	// Unlock marks the target free.
	Unlock()

	// ExpectUUID records the client-supplied unique id that should
	// accompany the next build claiming this target.
	ExpectUUID(uniqueID string)

	// Locked reports whether the target is currently busy.
	Locked() bool

	// Expected returns the unique id recorded by ExpectUUID, or "" if
	// none is pending.
	Expected() string

	// CanTake reports whether a build carrying uniqueID may occupy the
	// target: either the target is free, or uniqueID is the one the
	// lock holder announced. An announced empty id admits builds that
	// carry no id.
	CanTake(uniqueID string) bool

	// WaitUnlocked blocks until the target is free or ctx is done.
	WaitUnlocked(ctx context.Context) error
}

// Lock is the Monitor used for real execution targets. The zero value
// is not usable; construct with New.
type Lock struct {
	mu       sync.Mutex
	locked    bool
	expected  string
	expecting bool

	// released is closed and replaced every time the lock goes from
	// locked to unlocked, waking WaitUnlocked callers.
	released chan struct{}
}

// New returns an unlocked Lock.
func New() *Lock {
	return &Lock{released: make(chan struct{})}
}

func (l *Lock) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = true
	l.expected = ""
	l.expecting = false
}

func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return
	}
	l.locked = false
	close(l.released)
	l.released = make(chan struct{})
}

func (l *Lock) ExpectUUID(uniqueID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expected = uniqueID
	l.expecting = true
}

func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

func (l *Lock) Expected() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expected
}

func (l *Lock) CanTake(uniqueID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return true
	}
	return l.expecting && l.expected == uniqueID
}

func (l *Lock) WaitUnlocked(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.locked {
			l.mu.Unlock()
			return nil
		}
		released := l.released
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Noop is a Monitor that never blocks anything. It is returned for
// targets without a registered lock and used by connections that are
// not subject to double-dispatch protection.
type Noop struct{}

func (Noop) Lock() {}
func (Noop) Unlock() {}
func (Noop) ExpectUUID(string) {}
func (Noop) Locked() bool { return false }
func (Noop) Expected() string { return "" }
func (Noop) CanTake(string) bool { return true }
func (Noop) WaitUnlocked(ctx context.Context) error { return nil }

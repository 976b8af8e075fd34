// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bureau-foundation/gearbridge/lib/ci"
)

// reloadSettle absorbs the burst of events an editor produces when
// saving a file.
const reloadSettle = 200 * time.Millisecond

// Reload re-reads the topology file. On error the current topology
// stays in place. Differences are announced as topology events.
func (s *Scheduler) Reload() error {
	file, err := ReadTopology(s.options.TopologyPath)
	if err != nil {
		return err
	}
	compiled, err := compile(file)
	if err != nil {
		return fmt.Errorf("%s: %w", s.options.TopologyPath, err)
	}

	s.mu.Lock()
	previous := s.topology
	s.topology = compiled
	events := diffTopology(previous, compiled, s.offline)
	s.mu.Unlock()

	s.logger.Info("topology reloaded",
		"targets", len(compiled.targets), "jobs", len(compiled.jobs), "events", len(events))
	s.emit(events...)
	s.poke()
	return nil
}

// diffTopology lists the events that turn before into after. Runtime
// offline marks count as offline on both sides.
func diffTopology(before, after *topology, runtimeOffline map[string]string) []ci.Event {
	var events []ci.Event
	placementChanged := false
	offline := func(spec target) bool {
		_, marked := runtimeOffline[spec.name]
		return spec.offline || marked
	}

	for _, name := range after.targetNames() {
		next := after.targets[name]
		prior, existed := before.targets[name]
		switch {
		case !existed:
			if !offline(next) {
				events = append(events, ci.Event{Kind: ci.TargetOnline, Target: name})
			}
		case offline(prior) && !offline(next):
			events = append(events, ci.Event{Kind: ci.TargetOnline, Target: name})
		case !offline(prior) && offline(next):
			events = append(events, ci.Event{Kind: ci.TargetOffline, Target: name})
		case !offline(next) && prior.executors != next.executors:
			events = append(events, ci.Event{Kind: ci.TargetOnline, Target: name})
		}
		if existed && !prior.equalPlacement(next) {
			placementChanged = true
		}
	}
	for _, name := range before.targetNames() {
		if _, ok := after.targets[name]; !ok {
			events = append(events, ci.Event{Kind: ci.TargetRemoved, Target: name})
		}
	}
	if placementChanged || !reflect.DeepEqual(before.jobs, after.jobs) {
		events = append(events, ci.Event{Kind: ci.JobsChanged})
	}
	return events
}

// Watch reloads the topology whenever its file changes, until ctx is
// done. The containing directory is watched so that editors replacing
// the file by rename are noticed.
func (s *Scheduler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating topology watcher: %w", err)
	}
	defer watcher.Close()

	path, err := filepath.Abs(s.options.TopologyPath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				settle = s.clock.After(reloadSettle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("topology watcher error", "error", err)
		case <-settle:
			settle = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("topology reload failed, keeping the previous topology", "error", err)
			}
		}
	}
}

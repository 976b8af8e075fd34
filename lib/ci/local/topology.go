// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/labelexpr"
)

// TargetSpec declares one execution target.
type TargetSpec struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels,omitempty"`

	// Executors defaults to 1. Zero keeps the target defined but
	// unable to run builds.
	Executors *int `json:"executors,omitempty"`

	// Mode is "normal" (default) or "exclusive".
	Mode string `json:"mode,omitempty"`

	// Offline declares the target offline.
	Offline bool `json:"offline,omitempty"`
}

// JobSpec declares one job.
type JobSpec struct {
	Name string `json:"name"`

	// Label is a tag expression; empty runs anywhere.
	Label string `json:"label,omitempty"`

	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	Pipeline    bool              `json:"pipeline,omitempty"`
}

// File is the on-disk topology.
type File struct {
	Targets []TargetSpec `json:"targets"`
	Jobs    []JobSpec    `json:"jobs"`
}

// topology is a validated File indexed by name.
type topology struct {
	targets map[string]target
	jobs    map[string]JobSpec
}

// target is a normalized TargetSpec.
type target struct {
	name      string
	labels    []string
	executors int
	mode      ci.Mode
	offline   bool
}

func (t target) equalPlacement(other target) bool {
	return t.mode == other.mode && slices.Equal(t.labels, other.labels)
}

// ParseTopology parses JSONC topology data.
func ParseTopology(data []byte) (*File, error) {
	var file File
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	return &file, nil
}

// ReadTopology reads and parses the file at path.
func ReadTopology(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology: %w", err)
	}
	file, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// compile validates file. A built-in target with no executors is
// added when the file does not declare one.
func compile(file *File) (*topology, error) {
	var errs []error
	result := &topology{
		targets: make(map[string]target),
		jobs:    make(map[string]JobSpec),
	}

	for i, spec := range file.Targets {
		if spec.Name == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: name is required", i))
			continue
		}
		if _, exists := result.targets[spec.Name]; exists {
			errs = append(errs, fmt.Errorf("target %q declared twice", spec.Name))
			continue
		}
		compiled := target{name: spec.Name, executors: 1, offline: spec.Offline}
		if spec.Executors != nil {
			if *spec.Executors < 0 {
				errs = append(errs, fmt.Errorf("target %q: executors must not be negative", spec.Name))
			}
			compiled.executors = *spec.Executors
		}
		switch spec.Mode {
		case "", "normal":
			compiled.mode = ci.ModeNormal
		case "exclusive":
			compiled.mode = ci.ModeExclusive
		default:
			errs = append(errs, fmt.Errorf("target %q: unknown mode %q", spec.Name, spec.Mode))
		}
		labels := map[string]struct{}{spec.Name: {}}
		for _, label := range spec.Labels {
			if label = strings.TrimSpace(label); label != "" {
				labels[label] = struct{}{}
			}
		}
		for label := range labels {
			compiled.labels = append(compiled.labels, label)
		}
		sort.Strings(compiled.labels)
		result.targets[spec.Name] = compiled
	}
	if _, ok := result.targets[ci.BuiltInTarget]; !ok {
		result.targets[ci.BuiltInTarget] = target{
			name:   ci.BuiltInTarget,
			labels: []string{ci.BuiltInTarget},
		}
	}

	for i, spec := range file.Jobs {
		switch {
		case spec.Name == "":
			errs = append(errs, fmt.Errorf("jobs[%d]: name is required", i))
			continue
		case strings.Contains(spec.Name, ":"):
			errs = append(errs, fmt.Errorf("job %q: name must not contain ':'", spec.Name))
			continue
		}
		if _, exists := result.jobs[spec.Name]; exists {
			errs = append(errs, fmt.Errorf("job %q declared twice", spec.Name))
			continue
		}
		if strings.TrimSpace(spec.Command) == "" {
			errs = append(errs, fmt.Errorf("job %q: command is required", spec.Name))
		}
		if label := strings.TrimSpace(spec.Label); label != "" {
			if _, err := labelexpr.Parse(label); err != nil {
				errs = append(errs, fmt.Errorf("job %q: %w", spec.Name, err))
			}
		}
		result.jobs[spec.Name] = spec
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *topology) targetNames() []string {
	names := make([]string, 0, len(t.targets))
	for name := range t.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *topology) jobNames() []string {
	names := make([]string, 0, len(t.jobs))
	for name := range t.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

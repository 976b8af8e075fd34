// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/gearbridge/fleet"
	"github.com/bureau-foundation/gearbridge/lib/codec"
	"github.com/bureau-foundation/gearbridge/lib/control"
)

// statusReport is the result of the status action.
type statusReport struct {
	Fleet   fleet.Status   `json:"fleet"`
	Targets []targetReport `json:"targets"`
}

type targetReport struct {
	Name         string   `json:"name"`
	Mode         string   `json:"mode"`
	Executors    int      `json:"executors"`
	Labels       []string `json:"labels"`
	Offline      bool     `json:"offline"`
	OfflineCause string   `json:"offline_cause,omitempty"`
}

func newControlServer(d *daemon, socketPath string) *control.Server {
	server := control.NewServer(socketPath, d.logger.With("component", "control"))
	server.Handle(control.ActionStatus, d.handleStatus)
	server.Handle(control.ActionAvailability, d.handleAvailability)
	server.Handle(control.ActionRegister, d.handleRegister)
	server.Handle(control.ActionReload, d.handleReload)
	server.Handle(control.ActionOnline, d.handleOnline)
	return server
}

func (d *daemon) status() statusReport {
	report := statusReport{
		Fleet:   d.controller.Status(),
		Targets: []targetReport{},
	}
	for _, target := range d.scheduler.Targets() {
		report.Targets = append(report.Targets, targetReport{
			Name:         target.Name(),
			Mode:         target.Mode().String(),
			Executors:    target.Executors(),
			Labels:       target.Labels(),
			Offline:      target.IsOffline(),
			OfflineCause: d.scheduler.OfflineCause(target.Name()),
		})
	}
	return report
}

func (d *daemon) handleStatus(ctx context.Context, raw []byte) (any, error) {
	return d.status(), nil
}

func decodeTarget(raw []byte) (string, error) {
	var request control.TargetRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if request.Target == "" {
		return "", errors.New("missing required field: target")
	}
	return request.Target, nil
}

func (d *daemon) handleAvailability(ctx context.Context, raw []byte) (any, error) {
	name, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := d.scheduler.Target(name); !ok {
		return nil, fmt.Errorf("unknown target %q", name)
	}
	monitor := d.controller.AvailabilityMonitor(name)
	return control.Availability{
		Target:   name,
		Locked:   monitor.Locked(),
		Expected: monitor.Expected(),
	}, nil
}

func (d *daemon) handleRegister(ctx context.Context, raw []byte) (any, error) {
	if !d.controller.Settings().Enabled {
		return nil, errors.New("gearman is disabled")
	}
	d.controller.RegisterJobs()
	return nil, nil
}

func (d *daemon) handleReload(ctx context.Context, raw []byte) (any, error) {
	if err := d.reload(ctx); err != nil {
		return nil, err
	}
	return d.status(), nil
}

func (d *daemon) handleOnline(ctx context.Context, raw []byte) (any, error) {
	name, err := decodeTarget(raw)
	if err != nil {
		return nil, err
	}
	return nil, d.scheduler.SetTargetOnline(name)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"log/slog"

	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/metrics"
)

// Factory builds dispatch handlers. It satisfies worker.Handlers.
type Factory struct {
	Scheduler ci.Scheduler
	Monitors  MonitorSource

	// ManagerName is reported as "manager" in build status payloads.
	ManagerName string

	// Clock defaults to the real clock.
	Clock clock.Clock

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (f *Factory) clock() clock.Clock {
	if f.Clock == nil {
		return clock.Real()
	}
	return f.Clock
}

// Build returns a StartJob bound to job and target.
func (f *Factory) Build(job ci.Job, target ci.Target) gearman.Function {
	return &StartJob{
		scheduler:   f.Scheduler,
		monitors:    f.Monitors,
		job:         job,
		target:      target,
		managerName: f.ManagerName,
		clock:       f.clock(),
		metrics:     f.Metrics,
		logger:      f.Logger,
	}
}

// Stop returns the abort handler.
func (f *Factory) Stop() gearman.Function {
	return &StopBuild{scheduler: f.Scheduler, clock: f.clock(), metrics: f.Metrics, logger: f.Logger}
}

// SetDescription returns the build description handler.
func (f *Factory) SetDescription() gearman.Function {
	return &SetDescription{scheduler: f.Scheduler, clock: f.clock(), metrics: f.Metrics, logger: f.Logger}
}

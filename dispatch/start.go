// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/gearbridge/lib/availability"
	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/metrics"
)

// OfflineCause is recorded on targets taken offline at a client's
// request.
const OfflineCause = "Offline due to Gearman request"

// MonitorSource looks up a target's availability monitor.
// Implementations return availability.Noop for unknown targets.
type MonitorSource interface {
	AvailabilityMonitor(target string) availability.Monitor
}

// StartJob schedules one job on one target.
type StartJob struct {
	scheduler   ci.Scheduler
	monitors    MonitorSource
	job         ci.Job
	target      ci.Target
	managerName string
	clock       clock.Clock
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Execute runs the build and returns its final status payload.
func (s *StartJob) Execute(ctx context.Context, request *gearman.Job) (result gearman.Result, err error) {
	startedAt := s.clock.Now()
	defer func() { s.metrics.JobFinished("build", err, s.clock.Now().Sub(startedAt)) }()

	jobName := s.job.Name()
	targetName := s.target.Name()
	monitor := s.monitors.AvailabilityMonitor(targetName)
	logger := s.logger.With("job", jobName, "target", targetName, "handle", request.Handle)

	var offline, started bool
	defer func() {
		s.cleanup(logger, monitor, offline, started)
	}()

	params, offline, err := decodeParameters(request.Data)
	if err != nil {
		return gearman.Result{}, err
	}

	monitor.ExpectUUID(request.UniqueID)

	logger.Info("scheduling build",
		"number", s.job.NextBuildNumber(),
		"unique_id", request.UniqueID,
		"parameters", len(params),
		"offline_when_complete", offline,
	)
	queued, err := s.scheduler.ScheduleBuild(ctx, jobName,
		ci.Cause{Description: "Triggered by gearman worker " + request.WorkerID},
		ci.PinTarget{Target: targetName},
		ci.Parameters{Values: params, UniqueID: request.UniqueID},
	)
	if err != nil {
		return gearman.Result{}, fmt.Errorf("scheduling %s on %s: %w", jobName, targetName, err)
	}

	build, err := queued.WaitStarted(ctx)
	if err != nil {
		return gearman.Result{}, fmt.Errorf("waiting for %s to start: %w", jobName, err)
	}
	started = true
	if !offline {
		monitor.Unlock()
	}

	payload, err := s.statusPayload(build, request.WorkerID)
	if err != nil {
		return gearman.Result{}, err
	}
	if err := request.SendData(payload); err != nil {
		return gearman.Result{}, fmt.Errorf("sending build status: %w", err)
	}
	// Clients read the estimate first and the elapsed time second.
	elapsed := s.clock.Now().Sub(build.StartTime)
	if err := request.SendStatus(build.EstimatedDuration.Milliseconds(), elapsed.Milliseconds()); err != nil {
		return gearman.Result{}, fmt.Errorf("sending build progress: %w", err)
	}
	logger.Info("build started", "number", build.Number)

	finished, err := queued.WaitFinished(ctx)
	if err != nil {
		return gearman.Result{}, fmt.Errorf("waiting for %s #%d to finish: %w", jobName, build.Number, err)
	}
	build = finished
	payload, err = s.statusPayload(build, request.WorkerID)
	if err != nil {
		return gearman.Result{}, err
	}
	logger.Info("build finished", "number", build.Number, "result", build.Result)
	return gearman.Result{Handle: request.Handle, Success: true, Data: payload}, nil
}

// cleanup runs after every dispatch. With offline set the target goes
// offline regardless of outcome. Otherwise a build that never started
// must not leave the target locked.
func (s *StartJob) cleanup(logger *slog.Logger, monitor availability.Monitor, offline, started bool) {
	if !offline {
		if !started {
			monitor.Unlock()
		}
		return
	}
	if _, unguarded := monitor.(availability.Noop); unguarded {
		logger.Error("target has no availability lock while taking it offline")
	}
	logger.Debug("taking target offline")
	if err := s.target.SetOffline(OfflineCause); err != nil {
		logger.Error("taking target offline failed", "error", err)
	}
}

// statusPayload renders the JSON status report for build.
func (s *StartJob) statusPayload(build ci.Build, workerID string) ([]byte, error) {
	data := map[string]any{
		"name":    s.job.Name(),
		"number":  build.Number,
		"manager": s.managerName,
		"worker":  workerID,
	}
	if root := s.scheduler.RootURL(); root != "" {
		data["url"] = root + build.URL
	}
	if build.Result != "" {
		data["result"] = string(build.Result)
	}
	for key, value := range s.scheduler.BuildData(build) {
		data[key] = value
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding build status: %w", err)
	}
	return payload, nil
}

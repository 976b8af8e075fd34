// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/clock"
	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/metrics"
)

var (
	resultTrue  = []byte("true")
	resultFalse = []byte("false")
)

type buildRequest struct {
	Name            string      `json:"name"`
	Number          buildNumber `json:"number"`
	HTMLDescription string      `json:"html_description"`
}

func decodeBuildRequest(data []byte) (buildRequest, error) {
	var request buildRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return buildRequest{}, fmt.Errorf("decoding build request: %w", err)
	}
	if request.Name == "" {
		return buildRequest{}, errors.New("build request has no job name")
	}
	return request, nil
}

func boolResult(handle string, value bool) gearman.Result {
	if value {
		return gearman.Result{Handle: handle, Success: true, Data: resultTrue}
	}
	return gearman.Result{Handle: handle, Success: true, Data: resultFalse}
}

// StopBuild aborts the build named by {"name": job, "number": n}.
// The result payload is "true" when a build was aborted and "false"
// when there was nothing to abort.
type StopBuild struct {
	scheduler ci.Scheduler
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func (s *StopBuild) Execute(ctx context.Context, request *gearman.Job) (result gearman.Result, err error) {
	startedAt := s.clock.Now()
	defer func() { s.metrics.JobFinished("stop", err, s.clock.Now().Sub(startedAt)) }()

	build, err := decodeBuildRequest(request.Data)
	if err != nil {
		return gearman.Result{}, err
	}
	aborted, err := s.scheduler.AbortBuild(build.Name, int(build.Number))
	if errors.Is(err, ci.ErrNotFound) {
		s.logger.Info("no build to abort", "job", build.Name, "number", int(build.Number))
		return boolResult(request.Handle, false), nil
	}
	if err != nil {
		return gearman.Result{}, fmt.Errorf("aborting %s #%d: %w", build.Name, build.Number, err)
	}
	s.logger.Info("abort requested", "job", build.Name, "number", int(build.Number), "aborted", aborted)
	return boolResult(request.Handle, aborted), nil
}

// SetDescription sets the description of the build named by
// {"name": job, "number": n, "html_description": text}.
type SetDescription struct {
	scheduler ci.Scheduler
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func (s *SetDescription) Execute(ctx context.Context, request *gearman.Job) (result gearman.Result, err error) {
	startedAt := s.clock.Now()
	defer func() { s.metrics.JobFinished("set_description", err, s.clock.Now().Sub(startedAt)) }()

	build, err := decodeBuildRequest(request.Data)
	if err != nil {
		return gearman.Result{}, err
	}
	err = s.scheduler.SetBuildDescription(build.Name, int(build.Number), build.HTMLDescription)
	if errors.Is(err, ci.ErrNotFound) {
		return boolResult(request.Handle, false), nil
	}
	if err != nil {
		return gearman.Result{}, fmt.Errorf("describing %s #%d: %w", build.Name, build.Number, err)
	}
	s.logger.Debug("build description set", "job", build.Name, "number", int(build.Number))
	return boolResult(request.Handle, true), nil
}

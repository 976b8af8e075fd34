// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/gearbridge/lib/gearman"
	"github.com/bureau-foundation/gearbridge/lib/gearman/gearmantest"
)

func TestClientSubmitFollowsJobToCompletion(t *testing.T) {
	server := gearmantest.New(t)
	startWorker(t, server, nil, "w1", map[string]gearman.Function{
		"build:job": gearman.FunctionFunc(func(ctx context.Context, job *gearman.Job) (gearman.Result, error) {
			if err := job.SendData([]byte("started")); err != nil {
				return gearman.Result{}, err
			}
			if err := job.SendStatus(1, 2); err != nil {
				return gearman.Result{}, err
			}
			return gearman.Result{Success: true, Data: append([]byte("echo:"), job.Data...)}, nil
		}),
	})
	waitForFunctions(t, server, "w1", []string{"build:job"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := gearman.Dial(ctx, server.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := gearman.NewClient(conn)
	defer client.Close()

	var updates []gearman.Update
	result, err := client.Submit(ctx, "build:job", "uuid-9", []byte("hi"), func(update gearman.Update) {
		updates = append(updates, update)
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Success || string(result.Data) != "echo:hi" {
		t.Errorf("result = %+v", result)
	}
	if result.Handle == "" {
		t.Error("result carries no job handle")
	}
	if len(updates) != 2 || updates[0].Type != gearman.WorkData || updates[1].Type != gearman.WorkStatus {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[1].Numerator != 1 || updates[1].Denominator != 2 {
		t.Errorf("status = %+v", updates[1])
	}
}

func TestClientSubmitReportsFailure(t *testing.T) {
	server := gearmantest.New(t)
	startWorker(t, server, nil, "w1", map[string]gearman.Function{
		"build:job": gearman.FunctionFunc(func(ctx context.Context, job *gearman.Job) (gearman.Result, error) {
			return gearman.Result{}, errors.New("boom")
		}),
	})
	waitForFunctions(t, server, "w1", []string{"build:job"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := gearman.Dial(ctx, server.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := gearman.NewClient(conn)
	defer client.Close()

	var warning string
	result, err := client.Submit(ctx, "build:job", "", nil, func(update gearman.Update) {
		if update.Type == gearman.WorkWarning {
			warning = string(update.Data)
		}
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Success {
		t.Error("failed job reported success")
	}
	if warning != "boom" {
		t.Errorf("warning = %q, want boom", warning)
	}
}

func TestClientSubmitHonorsContext(t *testing.T) {
	server := gearmantest.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	conn, err := gearman.Dial(context.Background(), server.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client := gearman.NewClient(conn)
	defer client.Close()

	// No worker registered: the job sits in the queue until ctx expires.
	_, err = client.Submit(ctx, "build:nobody", "", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit error = %v, want deadline exceeded", err)
	}
}

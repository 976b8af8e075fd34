// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman

import (
	"context"
	"strconv"
)

// Job is a unit of work assigned by the job server.
type Job struct {
	// Handle is the server-assigned job handle echoed on every
	// progress packet.
	Handle string

	// Function is the registered function name the job was submitted
	// under.
	Function string

	// UniqueID is the client-supplied unique id. Empty unless the
	// worker requested unique ids (GRAB_JOB_UNIQ) and the client
	// supplied one.
	UniqueID string

	// Data is the opaque job payload.
	Data []byte

	// WorkerID is the identity of the worker that took the job.
	WorkerID string

	conn *Conn
}

// SendData sends an intermediate WORK_DATA packet to the submitting
// client. The packet is flushed before SendData returns.
func (j *Job) SendData(data []byte) error {
	return j.conn.WritePacket(NewRequest(WorkData, []byte(j.Handle), data))
}

// SendStatus sends a WORK_STATUS packet reporting numerator out of
// denominator.
func (j *Job) SendStatus(numerator, denominator int64) error {
	return j.conn.WritePacket(NewRequest(WorkStatus,
		[]byte(j.Handle),
		[]byte(strconv.FormatInt(numerator, 10)),
		[]byte(strconv.FormatInt(denominator, 10)),
	))
}

// SendWarning sends a WORK_WARNING packet.
func (j *Job) SendWarning(data []byte) error {
	return j.conn.WritePacket(NewRequest(WorkWarning, []byte(j.Handle), data))
}

// Result is the terminal outcome of a job. A successful result is
// sent as WORK_COMPLETE carrying Data; an unsuccessful one as
// WORK_FAIL.
type Result struct {
	Handle  string
	Success bool
	Data    []byte
}

// Function executes jobs submitted under one registered name.
// Returning an error fails the job: the worker sends the error text as
// WORK_WARNING and then WORK_FAIL.
type Function interface {
	Execute(ctx context.Context, job *Job) (Result, error)
}

// FunctionFunc adapts a plain function to the Function interface.
type FunctionFunc func(ctx context.Context, job *Job) (Result, error)

func (f FunctionFunc) Execute(ctx context.Context, job *Job) (Result, error) {
	return f(ctx, job)
}

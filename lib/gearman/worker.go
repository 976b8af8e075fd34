// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/gearbridge/lib/availability"
)

// ErrNotConnected is returned by operations that need a job server
// connection when none is attached.
var ErrNotConnected = errors.New("gearman: worker has no job server connection")

// Worker takes jobs from one job server connection and runs them one
// at a time.
type Worker struct {
	monitor availability.Monitor
	logger  *slog.Logger

	// mu guards every field below and serializes ability pushes so
	// the server sees each RESET_ABILITIES/CAN_DO burst intact.
	mu        sync.Mutex
	conn      *Conn
	id        string
	unique    bool
	busy      bool
	functions map[string]Function
}

// NewWorker creates a worker gated by monitor. Pass availability.Noop
// for workers whose jobs do not occupy a target.
func NewWorker(monitor availability.Monitor, logger *slog.Logger) *Worker {
	if monitor == nil {
		monitor = availability.Noop{}
	}
	return &Worker{
		monitor:   monitor,
		logger:    logger,
		functions: make(map[string]Function),
	}
}

// Attach binds the worker to a job server connection. Previously
// advertised functions are not re-sent.
func (w *Worker) Attach(conn *Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

// SetWorkerID announces the worker's identity to the job server.
func (w *Worker) SetWorkerID(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.id = id
	if w.conn == nil {
		return ErrNotConnected
	}
	return w.conn.WritePacket(NewRequest(SetClientID, []byte(id)))
}

// SetUniqueIDRequired selects GRAB_JOB_UNIQ over GRAB_JOB so that
// assigned jobs carry the client's unique id.
func (w *Worker) SetUniqueIDRequired(required bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unique = required
}

// SetFunctions replaces the advertised function set: RESET_ABILITIES
// followed by one CAN_DO per name.
func (w *Worker) SetFunctions(functions map[string]Function) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return ErrNotConnected
	}

	replacement := make(map[string]Function, len(functions))
	for name, function := range functions {
		replacement[name] = function
	}
	w.functions = replacement

	if err := w.conn.WritePacket(NewRequest(ResetAbilities)); err != nil {
		return err
	}
	for _, name := range sortedNames(replacement) {
		if err := w.conn.WritePacket(NewRequest(CanDo, []byte(name))); err != nil {
			return err
		}
	}
	return nil
}

// Functions returns the currently advertised function names, sorted.
func (w *Worker) Functions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return sortedNames(w.functions)
}

// Busy reports whether a job is running, from assignment until its
// terminal packet has been written.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

func (w *Worker) setBusy(busy bool) {
	w.mu.Lock()
	w.busy = busy
	w.mu.Unlock()
}

// Shutdown closes the job server connection. A concurrent Work call
// returns once its pending read fails.
func (w *Worker) Shutdown() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Work grabs and runs jobs until the connection fails or ctx is
// cancelled. It always returns a non-nil error; after cancellation
// the error is ctx.Err().
func (w *Worker) Work(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	unique := w.unique
	workerID := w.id
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	grabType := GrabJob
	if unique {
		grabType = GrabJobUniq
	}

	for {
		if err := w.monitor.WaitUnlocked(ctx); err != nil {
			return err
		}
		w.monitor.Lock()

		job, err := w.grab(conn, grabType)
		if err != nil {
			w.monitor.Unlock()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if job == nil {
			continue
		}
		job.WorkerID = workerID

		w.setBusy(true)
		err = w.run(ctx, job)
		w.setBusy(false)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// grab requests one job. It returns (nil, nil) after the server said
// NO_JOB and later woke the worker with NOOP.
func (w *Worker) grab(conn *Conn, grabType PacketType) (*Job, error) {
	if err := conn.WritePacket(NewRequest(grabType)); err != nil {
		return nil, err
	}
	for {
		packet, err := conn.ReadPacket()
		if err != nil {
			return nil, fmt.Errorf("waiting for job assignment: %w", err)
		}
		switch packet.Type {
		case NoJob:
			w.monitor.Unlock()
			return nil, w.sleep(conn)
		case JobAssign:
			return &Job{
				Handle:   string(packet.Arg(0)),
				Function: string(packet.Arg(1)),
				Data:     packet.Arg(2),
				conn:     conn,
			}, nil
		case JobAssignUniq:
			return &Job{
				Handle:   string(packet.Arg(0)),
				Function: string(packet.Arg(1)),
				UniqueID: string(packet.Arg(2)),
				Data:     packet.Arg(3),
				conn:     conn,
			}, nil
		case Error:
			return nil, fmt.Errorf("job server error %s: %s", packet.Arg(0), packet.Arg(1))
		case Noop, EchoRes:
		default:
			w.logger.Debug("ignoring unexpected packet while grabbing", "packet", packet.Type)
		}
	}
}

// sleep sends PRE_SLEEP and blocks until the server sends NOOP.
func (w *Worker) sleep(conn *Conn) error {
	if err := conn.WritePacket(NewRequest(PreSleep)); err != nil {
		return err
	}
	for {
		packet, err := conn.ReadPacket()
		if err != nil {
			return fmt.Errorf("sleeping for work: %w", err)
		}
		switch packet.Type {
		case Noop:
			return nil
		case Error:
			return fmt.Errorf("job server error %s: %s", packet.Arg(0), packet.Arg(1))
		}
	}
}

// run executes job and reports its terminal state. The returned error
// is non-nil only when the terminal packet could not be written.
func (w *Worker) run(ctx context.Context, job *Job) error {
	w.mu.Lock()
	function := w.functions[job.Function]
	w.mu.Unlock()

	if function == nil {
		w.monitor.Unlock()
		w.logger.Warn("job assigned for unregistered function",
			"function", job.Function, "handle", job.Handle)
		return job.conn.WritePacket(NewRequest(WorkFail, []byte(job.Handle)))
	}

	result, err := function.Execute(ctx, job)
	if err != nil {
		w.logger.Warn("job failed",
			"function", job.Function, "handle", job.Handle, "error", err)
		if warnErr := job.SendWarning([]byte(err.Error())); warnErr != nil {
			return warnErr
		}
		return job.conn.WritePacket(NewRequest(WorkFail, []byte(job.Handle)))
	}
	if !result.Success {
		return job.conn.WritePacket(NewRequest(WorkFail, []byte(job.Handle)))
	}
	return job.conn.WritePacket(NewRequest(WorkComplete, []byte(job.Handle), result.Data))
}

func sortedNames(functions map[string]Function) []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

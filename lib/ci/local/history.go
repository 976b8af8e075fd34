// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/gearbridge/lib/ci"
	"github.com/bureau-foundation/gearbridge/lib/sqlitepool"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS builds (
	job         TEXT    NOT NULL,
	number      INTEGER NOT NULL,
	queue_id    TEXT    NOT NULL,
	unique_id   TEXT    NOT NULL DEFAULT '',
	cause       TEXT    NOT NULL DEFAULT '',
	target      TEXT    NOT NULL DEFAULT '',
	result      TEXT    NOT NULL DEFAULT '',
	description TEXT    NOT NULL DEFAULT '',
	queued_at   INTEGER NOT NULL,
	started_at  INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job, number)
);
CREATE INDEX IF NOT EXISTS builds_by_result ON builds (job, result, number);
`

// estimateSample is how many recent successful builds
// EstimatedDuration averages.
const estimateSample = 3

// record is one row of build history.
type record struct {
	Job         string
	Number      int
	QueueID     string
	UniqueID    string
	Cause       string
	Target      string
	Result      ci.Result
	Description string
	QueuedAt    time.Time
	StartedAt   time.Time
	Duration    time.Duration
}

// build converts a finished record to a snapshot. History keeps no
// estimate, so recorded builds report UnknownDuration.
func (r record) build() ci.Build {
	return ci.Build{
		Job:               r.Job,
		Number:            r.Number,
		Target:            r.Target,
		Result:            r.Result,
		URL:               buildURL(r.Job, r.Number),
		StartTime:         r.StartedAt,
		EstimatedDuration: ci.UnknownDuration,
		Description:       r.Description,
	}
}

// history stores build records in SQLite.
type history struct {
	pool *sqlitepool.Pool
}

func openHistory(path string, logger *slog.Logger) (*history, error) {
	poolSize := 0
	if path == ":memory:" {
		poolSize = 1
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Schema:   historySchema,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &history{pool: pool}, nil
}

func (h *history) close() error {
	return h.pool.Close()
}

func (h *history) exec(ctx context.Context, query string, args ...any) error {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.pool.Put(conn)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

// interrupted marks builds left unfinished by a previous process as
// aborted and returns how many there were.
func (h *history) interrupted(ctx context.Context) (int, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer h.pool.Put(conn)
	err = sqlitex.Execute(conn, "UPDATE builds SET result = ? WHERE result = ''",
		&sqlitex.ExecOptions{Args: []any{string(ci.ResultAborted)}})
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted builds: %w", err)
	}
	return conn.Changes(), nil
}

func (h *history) insert(ctx context.Context, r record) error {
	err := h.exec(ctx, `INSERT INTO builds (job, number, queue_id, unique_id, cause, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Job, r.Number, r.QueueID, r.UniqueID, r.Cause, r.QueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording %s #%d: %w", r.Job, r.Number, err)
	}
	return nil
}

func (h *history) started(ctx context.Context, job string, number int, target string, at time.Time) error {
	err := h.exec(ctx, "UPDATE builds SET target = ?, started_at = ? WHERE job = ? AND number = ?",
		target, at.UnixMilli(), job, number)
	if err != nil {
		return fmt.Errorf("recording start of %s #%d: %w", job, number, err)
	}
	return nil
}

func (h *history) finished(ctx context.Context, job string, number int, result ci.Result, duration time.Duration) error {
	err := h.exec(ctx, "UPDATE builds SET result = ?, duration_ms = ? WHERE job = ? AND number = ?",
		string(result), duration.Milliseconds(), job, number)
	if err != nil {
		return fmt.Errorf("recording result of %s #%d: %w", job, number, err)
	}
	return nil
}

func (h *history) describe(ctx context.Context, job string, number int, description string) (bool, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer h.pool.Put(conn)
	err = sqlitex.Execute(conn, "UPDATE builds SET description = ? WHERE job = ? AND number = ?",
		&sqlitex.ExecOptions{Args: []any{description, job, number}})
	if err != nil {
		return false, fmt.Errorf("describing %s #%d: %w", job, number, err)
	}
	return conn.Changes() > 0, nil
}

// lookup returns ci.ErrNotFound for unknown builds.
func (h *history) lookup(ctx context.Context, job string, number int) (record, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return record{}, err
	}
	defer h.pool.Put(conn)

	var found *record
	err = sqlitex.Execute(conn, `SELECT job, number, queue_id, unique_id, cause, target, result,
			description, queued_at, started_at, duration_ms
		FROM builds WHERE job = ? AND number = ?`,
		&sqlitex.ExecOptions{
			Args: []any{job, number},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &record{
					Job:         stmt.ColumnText(0),
					Number:      stmt.ColumnInt(1),
					QueueID:     stmt.ColumnText(2),
					UniqueID:    stmt.ColumnText(3),
					Cause:       stmt.ColumnText(4),
					Target:      stmt.ColumnText(5),
					Result:      ci.Result(stmt.ColumnText(6)),
					Description: stmt.ColumnText(7),
					QueuedAt:    time.UnixMilli(stmt.ColumnInt64(8)),
					Duration:    time.Duration(stmt.ColumnInt64(10)) * time.Millisecond,
				}
				if started := stmt.ColumnInt64(9); started != 0 {
					found.StartedAt = time.UnixMilli(started)
				}
				return nil
			},
		})
	if err != nil {
		return record{}, fmt.Errorf("looking up %s #%d: %w", job, number, err)
	}
	if found == nil {
		return record{}, fmt.Errorf("build %s #%d: %w", job, number, ci.ErrNotFound)
	}
	return *found, nil
}

// lastNumber returns the highest recorded build number of job, or 0.
func (h *history) lastNumber(ctx context.Context, job string) (int, error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer h.pool.Put(conn)

	var last int
	err = sqlitex.Execute(conn, "SELECT COALESCE(MAX(number), 0) FROM builds WHERE job = ?",
		&sqlitex.ExecOptions{
			Args: []any{job},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("reading last build number of %s: %w", job, err)
	}
	return last, nil
}

// estimatedDuration averages the most recent successful builds of job.
// ok is false when there are none.
func (h *history) estimatedDuration(ctx context.Context, job string) (estimate time.Duration, ok bool, err error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return 0, false, err
	}
	defer h.pool.Put(conn)

	var total time.Duration
	var count int
	err = sqlitex.Execute(conn, `SELECT duration_ms FROM builds
		WHERE job = ? AND result = ? ORDER BY number DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{job, string(ci.ResultSuccess), estimateSample},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total += time.Duration(stmt.ColumnInt64(0)) * time.Millisecond
				count++
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("estimating duration of %s: %w", job, err)
	}
	if count == 0 {
		return 0, false, nil
	}
	return total / time.Duration(count), true, nil
}

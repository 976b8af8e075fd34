// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is a small SQLite connection pool over
// zombiezen.com/go/sqlite.
//
// The local scheduler keeps its build history here. Every connection
// is prepared with WAL journaling, NORMAL synchronous mode, a 5 second
// busy timeout, and in-memory temp storage; [Config].Schema runs once
// per connection after that, so CREATE ... IF NOT EXISTS statements
// belong there.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/gearbridge/history.db",
//	    Schema: schema,
//	    Logger: logger,
//	})
//	conn, err := pool.Take(ctx)
//	defer pool.Put(conn)
//
// Connections are not safe for concurrent use; take one per goroutine.
package sqlitepool

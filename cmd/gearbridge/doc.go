// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Gearbridge is the gearbridge daemon and its operator commands.
//
// "gearbridge serve" loads the YAML configuration, opens the local
// scheduler, and keeps the fleet of job server connections in step
// with the topology file and the gearman settings. SIGHUP re-reads the
// configuration and applies the enable/disable/address transition.
//
// The status, availability, register, reload, and online commands
// call the daemon's control socket. submit and probe talk to a job
// server directly and need no daemon.
package main

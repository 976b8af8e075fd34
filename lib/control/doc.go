// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the local administration socket of a running
// bridge.
//
// The protocol is one CBOR request and one CBOR response per Unix
// socket connection. A request is a map with an "action" field plus
// action-specific fields; the response is a [Response] envelope. The
// gearbridge CLI uses [Client] for its status and availability
// subcommands; the serve command registers the actions on a [Server].
package control

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

// Actions served by gearbridge serve.
const (
	// ActionStatus returns the fleet status.
	ActionStatus = "status"

	// ActionAvailability returns one target's availability lock.
	ActionAvailability = "availability"

	// ActionRegister runs a registration cycle on every connection.
	ActionRegister = "register"

	// ActionReload re-reads the configuration file and applies it.
	ActionReload = "reload"

	// ActionOnline clears an offline mark set at runtime.
	ActionOnline = "online"
)

// TargetRequest is the body of the actions that name one target.
type TargetRequest struct {
	Target string `cbor:"target"`
}

// Availability describes one target's lock.
type Availability struct {
	Target   string `json:"target"`
	Locked   bool   `json:"locked"`
	Expected string `json:"expected,omitempty"`
}

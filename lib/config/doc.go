// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads gearbridge's YAML configuration.
//
// The file is named by the GEARBRIDGE_CONFIG environment variable (via
// [Load]) or a --config flag (via [LoadFile]). There is no discovery
// and no environment override of individual values. Fields absent from
// the file keep the values from [Default].
//
// Path fields undergo ${VAR} and ${VAR:-default} expansion after
// loading; ${GEARBRIDGE_STATE} names the state directory and defaults
// to /var/lib/gearbridge.
//
// The gearman section maps onto the fleet controller's settings; a
// reload re-reads the file and hands the new section to the controller,
// which applies the enable/address transition rules.
//
// This package depends on no other gearbridge packages.
package config

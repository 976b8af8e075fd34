// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds gearbridge's CBOR configuration.
//
// CBOR carries the local control socket protocol between the gearbridge
// CLI and a running bridge. JSON stays on the outside: gearman payloads,
// the topology file, and CLI --json output.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes. Decoding into an any
// produces map[string]any rather than CBOR's default
// map[interface{}]interface{}.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only travel over the socket use `cbor` tags. Types also
// printed as JSON use `json` tags, which fxamacker/cbor honours when no
// `cbor` tag is present. Never put both on one field.
package codec

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package labelexpr parses and evaluates the tag expressions that
// restrict which execution targets a job may run on.
//
// The grammar, from loosest to tightest binding:
//
//	expr   = iff
//	iff    = implies { "<->" implies }
//	implies= or [ "->" implies ]
//	or     = and { "||" and }
//	and    = not { "&&" not }
//	not    = "!" not | primary
//	primary= atom | '"' quoted '"' | "(" expr ")"
//
// Atoms may contain dashes and dots ("python-2.4"); only the sequence
// "->" ends an atom early. A target satisfies an expression when the
// expression evaluates true over the target's label set.
package labelexpr
